package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/scriptcrew/internal/execution"
)

// Notify reports a finished run to the chat. It has the signature of
// execution.FinishFunc so it can be passed to Runner.OnFinish. Runs that
// had nothing to do are not reported.
func (b *Bot) Notify(crewID int64, res *execution.CrewResult, err error) {
	if err == nil && res != nil && res.Noop {
		return
	}
	if sendErr := b.SendMessage(context.Background(), b.summary(crewID, res, err)); sendErr != nil {
		slog.Error("failed to send telegram notification", "crew", crewID, "error", sendErr)
	}
}

func (b *Bot) summary(crewID int64, res *execution.CrewResult, err error) string {
	var sb strings.Builder
	label := b.crewLabel(crewID)

	switch {
	case err != nil:
		fmt.Fprintf(&sb, "%s failed: %v", label, err)
		if res == nil {
			return sb.String()
		}
	case res.Stopped:
		fmt.Fprintf(&sb, "%s stopped", label)
	case res.Success:
		fmt.Fprintf(&sb, "%s completed", label)
	default:
		fmt.Fprintf(&sb, "%s failed", label)
	}

	fmt.Fprintf(&sb, "\ncompleted tasks: %d\nfailed tasks: %d", len(res.CompletedTasks), len(res.FailedTasks))
	if len(res.Skipped) > 0 {
		fmt.Fprintf(&sb, "\nskipped crews: %v", res.Skipped)
	}
	if res.Error != "" && err == nil {
		fmt.Fprintf(&sb, "\nerror: %s", res.Error)
	}
	if res.ExecutionID != "" {
		fmt.Fprintf(&sb, "\nexecution: %s", res.ExecutionID)
	}
	return sb.String()
}
