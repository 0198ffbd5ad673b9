package room

import (
	"context"
	"fmt"
	"strings"

	"github.com/nclaude/nclaude/internal/message"
)

// BroadcastResult lists what a human broadcast produced.
type BroadcastResult struct {
	Sent     string     `json:"sent"`
	Targets  []string   `json:"targets"`
	Receipts []*Receipt `json:"details"`
}

// Broadcast sends a BROADCAST from HumanSender. Leading "@name" tokens in
// content pick the targets, each getting its own addressed copy; "@all",
// "@*" or no tokens produce one unaddressed message. resolve, when not nil,
// maps a target token to a session id.
func (r *Room) Broadcast(ctx context.Context, content string, resolve func(string) string) (*BroadcastResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	body, targets := message.ParseTargets(content)
	if body == "" {
		return nil, fmt.Errorf("%w: nothing left after targets", ErrEmptyMessage)
	}

	res := &BroadcastResult{Sent: body, Targets: []string{}}
	if len(targets) == 0 {
		rc, err := r.Send(ctx, HumanSender, "[BROADCAST TO: @all] "+body, message.TypeBroadcast, "")
		if err != nil {
			return nil, err
		}
		res.Receipts = append(res.Receipts, rc)
		return res, nil
	}

	for _, target := range targets {
		if resolve != nil {
			target = resolve(target)
		}
		rc, err := r.Send(ctx, HumanSender, fmt.Sprintf("[BROADCAST TO: @%s] %s", target, body), message.TypeBroadcast, target)
		if err != nil {
			return res, err
		}
		res.Targets = append(res.Targets, target)
		res.Receipts = append(res.Receipts, rc)
	}
	return res, nil
}
