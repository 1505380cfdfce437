// Copyright 2024-2026 Aiku AI

// Package command implements the operator command adapter: a text command
// parser, a dispatcher onto the hub's administrative operations and the
// front ends that feed it.
package command

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aiku/qqbridge/pkg/correlate"
	"github.com/aiku/qqbridge/pkg/hub"
)

// Prefix starts every operator command.
const Prefix = "!"

var (
	ErrNotCommand     = errors.New("not a command")
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("invalid arguments")
)

// Verb names an administrative operation.
type Verb int

const (
	VerbHelp Verb = iota
	VerbAccounts
	VerbRelogin
	VerbCorrelation
	VerbStats
)

var verbNames = map[string]Verb{
	"help":        VerbHelp,
	"accounts":    VerbAccounts,
	"relogin":     VerbRelogin,
	"correlation": VerbCorrelation,
	"stats":       VerbStats,
}

func (v Verb) String() string {
	for name, verb := range verbNames {
		if verb == v {
			return name
		}
	}
	return "unknown"
}

// Request is a parsed operator command.
type Request struct {
	Verb      Verb
	Account   int64
	Adapter   string
	MessageID string
}

const usage = `Commands:
!accounts                       list IM accounts and their login state
!relogin <account>              redo the token login of an account
!correlation <adapter> <msgid>  show the platform ids of a bridged message
!stats                          show per-adapter delivery counters
!help                           show this message`

// Parse turns command text such as "!relogin 12345" into a Request.
func Parse(text string) (Request, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, Prefix) {
		return Request{}, ErrNotCommand
	}
	fields := strings.Fields(strings.TrimPrefix(text, Prefix))
	if len(fields) == 0 {
		return Request{}, ErrNotCommand
	}
	verb, ok := verbNames[strings.ToLower(fields[0])]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
	}
	args := fields[1:]

	req := Request{Verb: verb}
	switch verb {
	case VerbRelogin:
		if len(args) != 1 {
			return Request{}, fmt.Errorf("%w: usage: !relogin <account>", ErrUsage)
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return Request{}, fmt.Errorf("%w: account must be a positive number, got %q", ErrUsage, args[0])
		}
		req.Account = id
	case VerbCorrelation:
		if len(args) != 2 {
			return Request{}, fmt.Errorf("%w: usage: !correlation <adapter> <msgid>", ErrUsage)
		}
		req.Adapter, req.MessageID = args[0], args[1]
	default:
		if len(args) != 0 {
			return Request{}, fmt.Errorf("%w: !%s takes no arguments", ErrUsage, fields[0])
		}
	}
	return req, nil
}

// Admin is the set of hub operations commands can reach.
type Admin interface {
	ListAccounts() []hub.AccountInfo
	Relogin(ctx context.Context, account int64) error
	ShowCorrelation(adapter, platformMessageID string) (correlate.Record, error)
	Stats() []hub.AdapterStats
}

// Reply is the outcome of a command. Err is set when the command failed;
// Text always holds a message suitable for the operator.
type Reply struct {
	Text string
	Err  error
}

func errorReply(err error) Reply {
	return Reply{Text: "Error: " + err.Error(), Err: err}
}

// Dispatcher executes parsed requests against the hub.
type Dispatcher struct {
	admin Admin
}

func NewDispatcher(admin Admin) *Dispatcher {
	return &Dispatcher{admin: admin}
}

// Execute runs req and renders the result as text.
func (d *Dispatcher) Execute(ctx context.Context, req Request) Reply {
	switch req.Verb {
	case VerbHelp:
		return Reply{Text: usage}
	case VerbAccounts:
		return Reply{Text: renderAccounts(d.admin.ListAccounts())}
	case VerbRelogin:
		if err := d.admin.Relogin(ctx, req.Account); err != nil {
			return errorReply(fmt.Errorf("relogin %d: %w", req.Account, err))
		}
		return Reply{Text: fmt.Sprintf("Account %d logged in again", req.Account)}
	case VerbCorrelation:
		rec, err := d.admin.ShowCorrelation(req.Adapter, req.MessageID)
		if err != nil {
			return errorReply(fmt.Errorf("correlation of %s/%s: %w", req.Adapter, req.MessageID, err))
		}
		return Reply{Text: renderRecord(rec)}
	case VerbStats:
		return Reply{Text: renderStats(d.admin.Stats())}
	default:
		return errorReply(fmt.Errorf("%w: %s", ErrUnknownCommand, req.Verb))
	}
}

// Run parses and executes a command line in one step.
func (d *Dispatcher) Run(ctx context.Context, text string) Reply {
	req, err := Parse(text)
	if err != nil {
		return errorReply(err)
	}
	return d.Execute(ctx, req)
}

func renderAccounts(accounts []hub.AccountInfo) string {
	if len(accounts) == 0 {
		return "No accounts configured"
	}
	var sb strings.Builder
	sb.WriteString("Accounts:")
	for _, acc := range accounts {
		fmt.Fprintf(&sb, "\n- %d", acc.ID)
		if acc.Protocol != "" {
			fmt.Fprintf(&sb, " (%s)", acc.Protocol)
		}
		fmt.Fprintf(&sb, ": %s", acc.State)
		if !acc.Registered {
			sb.WriteString(", not bridged")
		}
		if acc.Error != "" {
			fmt.Fprintf(&sb, ", %s", acc.Error)
		}
	}
	return sb.String()
}

func renderRecord(rec correlate.Record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Correlation %s\nconversation: %s\norigin: %s\ncreated: %s",
		rec.CorrelationID, rec.ConversationKey, rec.Origin, rec.CreatedAt.UTC().Format(time.RFC3339))
	for _, adapter := range slices.Sorted(maps.Keys(rec.PlatformIDs)) {
		fmt.Fprintf(&sb, "\n- %s: %s", adapter, rec.PlatformIDs[adapter])
	}
	return sb.String()
}

func renderStats(stats []hub.AdapterStats) string {
	if len(stats) == 0 {
		return "No adapters attached"
	}
	var sb strings.Builder
	sb.WriteString("Adapters:")
	for _, st := range stats {
		fmt.Fprintf(&sb, "\n- %s: %d delivered, %d dropped, %d queued", st.Name, st.Delivered, st.Dropped, st.Queued)
	}
	return sb.String()
}
