package crypto

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HasAESHardwareSupport checks if the CPU supports AES hardware acceleration.
// This uses CPU feature detection available in golang.org/x/sys/cpu.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// DefaultAlgorithm picks the payload AEAD for this host: AES-256-GCM when the
// CPU accelerates it, ChaCha20-Poly1305 otherwise. Config may override.
func DefaultAlgorithm() Algorithm {
	if HasAESHardwareSupport() {
		return AlgorithmAESGCM
	}
	return AlgorithmChaCha20Poly1305
}

// HardwareInfo returns diagnostics about cipher selection for startup logging.
func HardwareInfo(active Algorithm) map[string]interface{} {
	return map[string]interface{}{
		"aes_hardware_support": HasAESHardwareSupport(),
		"architecture":         runtime.GOARCH,
		"goos":                 runtime.GOOS,
		"go_version":           runtime.Version(),
		"active_algorithm":     string(active),
	}
}
