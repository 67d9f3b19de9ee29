package cli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
)

// pick lets the user choose one of candidates: through the configured
// external picker command when set (candidates on stdin, choice on stdout),
// otherwise through a numbered prompt on the terminal.
func (a *App) pick(candidates []string) (string, error) {
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	if a.cfg.CLI.PickerCommand != "" {
		return runPicker(a.cfg.CLI.PickerCommand, candidates)
	}
	return a.promptPick(candidates)
}

// runPicker pipes candidates through an external picker such as fzf.
func runPicker(command string, candidates []string) (string, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdin = strings.NewReader(strings.Join(candidates, "\n") + "\n")
	cmd.Stderr = os.Stderr

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "picker command %q", command)
	}
	choice := strings.TrimSpace(out.String())
	if choice == "" {
		return "", errors.New("picker returned nothing")
	}
	return choice, nil
}

// promptPick prints a numbered list and reads the selection from stdin.
func (a *App) promptPick(candidates []string) (string, error) {
	for i, c := range candidates {
		fmt.Fprintf(a.stdout, "%2d) %s\n", i+1, c)
	}
	fmt.Fprint(a.stdout, "select: ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "reading selection")
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 1 || n > len(candidates) {
		return "", errors.Newf("invalid selection %q", strings.TrimSpace(line))
	}
	return candidates[n-1], nil
}

// notifyContext is the daemon-run signal context.
func notifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
