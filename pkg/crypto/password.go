package crypto

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"
)

// ReadSecret prompts on stderr and reads an overlay secret without echo
func ReadSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	secretBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}

	secret := strings.TrimSpace(string(secretBytes))
	if len(secret) < MinSecretLength {
		return "", fmt.Errorf("%w: must be at least %d characters", ErrSecretTooShort, MinSecretLength)
	}

	return secret, nil
}
