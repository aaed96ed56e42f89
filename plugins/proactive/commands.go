package proactive

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/WaterInk0101/proactive-private-chat/internal/contact"
	"github.com/WaterInk0101/proactive-private-chat/internal/transport/telegram/router"
	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

func (p *Plugin) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "contact",
			Aliases:     []string{"私聊"},
			Description: "send a private greeting to a user",
			Usage:       "/contact <user_id|@username> [message...]",
			Access:      router.AccessEveryone,
			Handle:      p.handleContact,
		},
		{
			Route:       "contact sweep",
			Description: "run one smart sweep now",
			Usage:       "/contact sweep",
			Access:      router.AccessOwnerOnly,
			Timeout:     defaultSweepTimeout,
			Handle:      p.handleSweep,
		},
		{
			Route:       "contact status",
			Description: "show a user's cooldown",
			Usage:       "/contact status <user_id|@username>",
			Access:      router.AccessEveryone,
			Handle:      p.handleStatus,
		},
		{
			Route:       "list contacts",
			Aliases:     []string{"contacts", "私聊列表"},
			Description: "list users eligible for proactive contact",
			Usage:       "/list contacts",
			Access:      router.AccessEveryone,
			Handle:      p.handleList,
		},
	}
}

const msgNotRunning = "proactive chat is not running"

func (p *Plugin) handleContact(ctx context.Context, req *router.Request) error {
	eng := p.Engine()
	if eng == nil {
		return req.Reply(ctx, msgNotRunning)
	}
	if len(req.Args) == 0 {
		return req.Reply(ctx, "usage: /contact <user_id|@username> [message...]")
	}
	actor := strconv.FormatInt(req.FromID, 10)
	message := strings.TrimSpace(strings.Join(req.Args[1:], " "))
	res := eng.HandleContactCommand(ctx, actor, req.Args[0], message, p.now())
	return req.Reply(ctx, formatResult(res))
}

func (p *Plugin) handleSweep(ctx context.Context, req *router.Request) error {
	eng := p.Engine()
	if eng == nil {
		return req.Reply(ctx, msgNotRunning)
	}
	rep, err := eng.RunSmartCycle(ctx, p.now())
	if err != nil {
		req.Logger.Warn("manual sweep ended early", logx.Err(err))
	}
	return req.Reply(ctx, formatSweep(rep, err))
}

func (p *Plugin) handleStatus(ctx context.Context, req *router.Request) error {
	eng := p.Engine()
	if eng == nil {
		return req.Reply(ctx, msgNotRunning)
	}
	if len(req.Args) == 0 {
		return req.Reply(ctx, "usage: /contact status <user_id|@username>")
	}
	user, err := p.dir.Resolve(ctx, req.Args[0])
	if err != nil {
		return req.Reply(ctx, fmt.Sprintf("user %s not found", req.Args[0]))
	}
	now := p.now()
	last, remaining, ok := eng.Status(user.ID, now)
	return req.Reply(ctx, formatStatus(user, last, remaining, ok, now))
}

func (p *Plugin) handleList(ctx context.Context, req *router.Request) error {
	eng := p.Engine()
	if eng == nil {
		return req.Reply(ctx, msgNotRunning)
	}
	l, err := eng.ListContacts(ctx, p.now())
	if err != nil {
		req.Logger.Warn("list contacts failed", logx.Err(err))
		return req.Reply(ctx, "could not list contacts, try again later")
	}
	return req.Reply(ctx, formatListing(l))
}

func who(id, name string) string {
	if name == "" || name == id {
		return id
	}
	return fmt.Sprintf("%s (%s)", name, id)
}

func seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

func formatResult(r contact.Result) string {
	target := who(r.UserID, r.DisplayName)
	switch r.Code {
	case contact.CodeSent:
		return "sent to " + target
	case contact.CodeDisabled:
		return "proactive contact is disabled"
	case contact.CodeUnknownUser:
		return target + " is not a known contact"
	case contact.CodeCoolingDown:
		return fmt.Sprintf("%s is cooling down, %ds left", target, seconds(r.Remaining))
	case contact.CodePermissionDenied:
		return "you are not allowed to use /contact"
	case contact.CodeTargetNotFound:
		return "user " + r.UserID + " not found"
	default:
		return fmt.Sprintf("sending to %s failed: %v", target, r.Err)
	}
}

func formatSweep(rep contact.SweepReport, err error) string {
	if rep.Disabled {
		return "proactive contact is disabled"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "sweep %s: %d candidates, %d sent", shortID(rep.CycleID), rep.Candidates, rep.Sent())
	codes := make([]string, 0, len(rep.Counts))
	for c, n := range rep.Counts {
		if c != contact.CodeSent && n > 0 {
			codes = append(codes, fmt.Sprintf("%s=%d", strings.ToLower(string(c)), n))
		}
	}
	sort.Strings(codes)
	if len(codes) > 0 {
		b.WriteString(" (" + strings.Join(codes, " ") + ")")
	}
	fmt.Fprintf(&b, " in %s", rep.Took.Round(time.Millisecond))
	if err != nil {
		fmt.Fprintf(&b, "\nstopped early: %v", err)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatStatus(u contact.UserRecord, last time.Time, remaining time.Duration, ok bool, now time.Time) string {
	target := who(u.ID, u.DisplayName)
	known := "not known"
	if u.Known {
		known = "known"
	}
	if !ok {
		return fmt.Sprintf("%s: %s, never contacted", target, known)
	}
	ago := now.Sub(last).Round(time.Second)
	if remaining > 0 {
		return fmt.Sprintf("%s: %s, last contact %s ago, cooling down %ds", target, known, ago, seconds(remaining))
	}
	return fmt.Sprintf("%s: %s, last contact %s ago, eligible", target, known, ago)
}

func formatListing(l contact.Listing) string {
	if l.Disabled {
		return "proactive contact is disabled"
	}
	if l.Total() == 0 {
		return "no contacts"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "contacts (%d):", l.Total())
	for i, e := range l.Entries {
		fmt.Fprintf(&b, "\n%d. %s", i+1, who(e.User.ID, e.User.DisplayName))
		if e.Remaining > 0 {
			fmt.Fprintf(&b, ", cooling down %ds", seconds(e.Remaining))
		}
	}
	if l.Overflow > 0 {
		fmt.Fprintf(&b, "\n... and %d more", l.Overflow)
	}
	return b.String()
}
