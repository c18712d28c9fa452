package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ChuLiYu/buildd/internal/session"
)

// CommandProvisioner runs operator-configured commands against a slot.
// Arguments may contain {slot}, {arch} and {backend} placeholders.
// An empty command always succeeds.
type CommandProvisioner struct {
	CheckCommand  []string
	RepairCommand []string
	ResetCommand  []string
}

func (p CommandProvisioner) Check(ctx context.Context, slot session.Slot) error {
	return runSlotCommand(ctx, "check", p.CheckCommand, slot)
}

func (p CommandProvisioner) Repair(ctx context.Context, slot session.Slot) error {
	return runSlotCommand(ctx, "repair", p.RepairCommand, slot)
}

func (p CommandProvisioner) Reset(ctx context.Context, slot session.Slot) error {
	return runSlotCommand(ctx, "reset", p.ResetCommand, slot)
}

func runSlotCommand(ctx context.Context, op string, command []string, slot session.Slot) error {
	if len(command) == 0 {
		return nil
	}
	r := strings.NewReplacer("{slot}", slot.ID, "{arch}", slot.Arch, "{backend}", slot.Backend)
	args := make([]string, len(command))
	for i, a := range command {
		args[i] = r.Replace(a)
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s slot %s: %w: %s", op, slot.ID, err, strings.TrimSpace(output.String()))
	}
	return nil
}
