package iapcore

import "github.com/motafan/iapcore/internal/domain"

// Config is the frozen configuration record, built by its owner and passed
// to Initialize — no package-level globals.
type Config = domain.Config

// ValidationConfig configures the Receipt Validator.
type ValidationConfig = domain.ValidationConfig

// NetworkConfig configures the Network Client.
type NetworkConfig = domain.NetworkConfig
