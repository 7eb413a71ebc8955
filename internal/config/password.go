package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const passwordTimeout = 30 * time.Second

// ResolvePassword returns the password of acc: the inline value if set,
// otherwise the first line printed by "<program> <password_key>".
func ResolvePassword(ctx context.Context, program string, acc CalDAVConfig) (string, error) {
	if acc.Password != "" {
		return acc.Password, nil
	}
	if acc.PasswordKey == "" {
		return "", nil
	}
	args := strings.Fields(program)
	if len(args) == 0 {
		return "", fmt.Errorf("caldav %q: password_key set but no password_program configured", acc.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, passwordTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], append(args[1:], acc.PasswordKey)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return "", fmt.Errorf("caldav %q: password program: %w", acc.Name, err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("password program printed nothing")
	}
	return line, nil
}
