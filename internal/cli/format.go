package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nclaude/nclaude/internal/hub"
	"github.com/nclaude/nclaude/internal/message"
	"github.com/nclaude/nclaude/internal/room"
)

// Whoami describes the resolved identity of the current process.
type Whoami struct {
	Session  string `json:"session_id"`
	Room     string `json:"project"`
	BaseDir  string `json:"base_dir"`
	Backend  string `json:"backend"`
	Location string `json:"log_path"`
	Repo     string `json:"repo,omitempty"`
	Branch   string `json:"branch,omitempty"`
	Global   bool   `json:"global"`
}

// FormatMessages renders messages in log form, one styled line at a time.
func FormatMessages(msgs []message.Message, color bool) string {
	var out strings.Builder
	for i := range msgs {
		for _, line := range strings.Split(message.FormatLogLine(&msgs[i]), "\n") {
			out.WriteString(ColorLine(line, color))
			out.WriteByte('\n')
		}
	}
	return out.String()
}

// FormatBatch formats a read result.
func FormatBatch(b *room.Batch, color bool) string {
	if b == nil || len(b.Messages) == 0 {
		return "No new messages\n"
	}
	return FormatMessages(b.Messages, color)
}

// FormatReceipt formats a send confirmation.
func FormatReceipt(rc *room.Receipt) string {
	to := ""
	if rc.To != "" {
		to = " to @" + rc.To
	}
	return fmt.Sprintf("Sent #%d [%s]%s as %s: %s\n", rc.ID, rc.Type, to, rc.Sender, rc.Sent)
}

// FormatStatus formats room status.
func FormatStatus(st *room.Status, session string) string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("Room:     %s\n", st.Room))
	out.WriteString(fmt.Sprintf("Session:  %s\n", session))
	out.WriteString(fmt.Sprintf("Messages: %d\n", st.MessageCount))
	if len(st.Readers) > 0 {
		out.WriteString(fmt.Sprintf("Readers:  %s\n", strings.Join(st.Readers, ", ")))
	} else {
		out.WriteString("Readers:  none\n")
	}
	out.WriteString(fmt.Sprintf("Log:      %s\n", st.Location))
	return out.String()
}

// FormatPending formats a consumed pending marker.
func FormatPending(p *room.PendingBatch, color bool) string {
	if !p.Pending {
		return "No pending messages\n"
	}
	header := fmt.Sprintf("%d pending message(s) (range %s)\n", p.Count, p.Range)
	return header + FormatMessages(p.Messages, color)
}

// FormatCheck formats a check result, pending messages first.
func FormatCheck(res *room.CheckResult, color bool) string {
	if res.Total == 0 {
		return "No new messages\n"
	}
	var out strings.Builder
	if res.PendingCount > 0 {
		out.WriteString(fmt.Sprintf("=== Pending (%d) ===\n", res.PendingCount))
		out.WriteString(FormatMessages(res.PendingMessages, color))
	}
	if res.NewCount > 0 {
		out.WriteString(fmt.Sprintf("=== New (%d) ===\n", res.NewCount))
		out.WriteString(FormatMessages(res.NewMessages, color))
	}
	return out.String()
}

// FormatBroadcast formats a human broadcast.
func FormatBroadcast(res *room.BroadcastResult) string {
	if len(res.Targets) == 0 {
		return fmt.Sprintf("Broadcast to @all: %s\n", res.Sent)
	}
	targets := make([]string, len(res.Targets))
	for i, t := range res.Targets {
		targets[i] = "@" + t
	}
	return fmt.Sprintf("Broadcast to %s: %s\n", strings.Join(targets, ", "), res.Sent)
}

// FormatWhoami formats the identity summary.
func FormatWhoami(w *Whoami) string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("Session:  %s\n", w.Session))
	name := w.Room
	if w.Global {
		name += " (global)"
	}
	out.WriteString(fmt.Sprintf("Room:     %s\n", name))
	if w.Repo != "" {
		out.WriteString(fmt.Sprintf("Repo:     %s (%s)\n", w.Repo, w.Branch))
	}
	out.WriteString(fmt.Sprintf("Backend:  %s\n", w.Backend))
	out.WriteString(fmt.Sprintf("Base dir: %s\n", w.BaseDir))
	out.WriteString(fmt.Sprintf("Log:      %s\n", w.Location))
	return out.String()
}

// FormatAliases lists aliases sorted by name.
func FormatAliases(aliases map[string]string) string {
	if len(aliases) == 0 {
		return "No aliases set. Use: nclaude alias <name> [target]\n"
	}
	names := make([]string, 0, len(aliases))
	for name := range aliases {
		names = append(names, name)
	}
	sort.Strings(names)

	var out strings.Builder
	for _, name := range names {
		out.WriteString(fmt.Sprintf("@%s -> %s\n", name, aliases[name]))
	}
	return out.String()
}

// FormatHubStatus formats hub process status.
func FormatHubStatus(st *hub.Status) string {
	if !st.Running {
		return "Hub:      not running\n"
	}
	var out strings.Builder
	out.WriteString(fmt.Sprintf("Hub:      running (pid %d)\n", st.Info.PID))
	out.WriteString(fmt.Sprintf("Socket:   %s\n", st.Info.SocketPath))
	if st.Info.WSAddr != "" {
		out.WriteString(fmt.Sprintf("WebSocket: ws://%s/\n", st.Info.WSAddr))
	}
	if !st.Info.StartedAt.IsZero() {
		out.WriteString(fmt.Sprintf("Started:  %s\n", st.Info.StartedAt.Format("2006-01-02 15:04:05 MST")))
	}
	if st.Online != nil {
		out.WriteString(FormatClients(st.Online))
	}
	return out.String()
}

// FormatClients lists connected sessions.
func FormatClients(clients []string) string {
	if len(clients) == 0 {
		return "Online:   none\n"
	}
	return fmt.Sprintf("Online:   %s\n", strings.Join(clients, ", "))
}

// FormatSendResult formats a hub send.
func FormatSendResult(res *hub.SendResult) string {
	switch {
	case !res.Sent:
		return "Not sent\n"
	case !res.Confirmed:
		return "Sent (unconfirmed)\n"
	case res.Broadcast:
		return fmt.Sprintf("Sent %s to everyone\n", res.ID)
	case len(res.RoutedTo) == 0:
		return fmt.Sprintf("Sent %s; no mentioned session is online (stored for later)\n", res.ID)
	default:
		return fmt.Sprintf("Sent %s to %s\n", res.ID, strings.Join(res.RoutedTo, ", "))
	}
}

// FormatFrame formats a message received from the hub.
func FormatFrame(f hub.Frame, color bool) string {
	ts := f.Timestamp
	if i := strings.IndexByte(ts, 'T'); i >= 0 {
		ts = ts[i+1:]
	}
	line := fmt.Sprintf("[%s] [%s] [%s] %s", ts, f.From, f.Type, f.Body)
	if strings.Contains(f.Body, "\n") {
		first, rest, _ := strings.Cut(line, "\n")
		var out strings.Builder
		out.WriteString(ColorLine(first, color))
		out.WriteByte('\n')
		for _, l := range strings.Split(rest, "\n") {
			out.WriteString("  " + l + "\n")
		}
		return out.String()
	}
	return ColorLine(line, color) + "\n"
}
