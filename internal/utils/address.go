package utils

import (
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var bareHexPattern = regexp.MustCompile("^[0-9a-fA-F]{40}$")

// IsEvmAddress checks whether address is a 20-byte EVM address,
// with or without the 0x prefix
func IsEvmAddress(address string) bool {
	if address == "" {
		return false
	}
	if strings.HasPrefix(strings.ToLower(address), "0x") {
		return common.IsHexAddress(address)
	}
	return bareHexPattern.MatchString(address)
}

// NormalizeAddress lowercases an EVM address and ensures the 0x prefix.
// Mirror records always store addresses in this form so natural-key lookups
// are case-insensitive.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(address), "0x") {
		address = "0x" + address
	}
	return strings.ToLower(address)
}

// IsZeroAddress checks for the zero EVM address
func IsZeroAddress(address string) bool {
	return NormalizeAddress(address) == "0x0000000000000000000000000000000000000000"
}
