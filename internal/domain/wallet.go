package domain

import "regexp"

var walletAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// IsValidWalletAddress reports whether x is 0x followed by exactly 40 hex
// digits and is not the zero address.
func IsValidWalletAddress(x string) bool {
	if !walletAddressRe.MatchString(x) {
		return false
	}
	for _, c := range x[2:] {
		if c != '0' {
			return true
		}
	}
	return false
}

// ZeroAddress returns the canonical all-zero wallet address.
func ZeroAddress() string { return zeroAddress }
