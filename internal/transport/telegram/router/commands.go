// Package router turns incoming Telegram messages into command invocations
// and feeds every message to registered observers.
package router

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "github.com/WaterInk0101/proactive-private-chat/internal/runtime/supervisor"
	"github.com/WaterInk0101/proactive-private-chat/internal/transport"
	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated path, e.g. "contact" or "list contacts".
	Route string
	// Aliases are root-level shortcuts, e.g. "contacts" or "私聊列表".
	Aliases     []string
	Description string
	Usage       string
	Access      Access

	Plugin  string
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Message *transport.Message
	Chat    transport.ChatTarget
	FromID  int64
	Path    []string
	Command string
	Args    []string

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter transport.Adapter
	Logger  logx.Logger
	Owners  []int64
}

// Reply sends text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true})
	return err
}

// IsOwner reports whether the caller is a configured bot owner.
func (r *Request) IsOwner() bool { return slices.Contains(r.Owners, r.FromID) }

// MessageObserver sees every incoming message, command or not, before
// routing. Observers run on the dispatch loop and must be quick.
type MessageObserver func(ctx context.Context, msg *transport.Message)

type Options struct {
	Workers   int
	QueueSize int
}

type CommandManager struct {
	log     logx.Logger
	adapter transport.Adapter

	mu        sync.RWMutex
	root      *cmdNode
	alias     map[string]*cmdNode
	owners    []int64
	observers []MessageObserver

	workers int
	jobs    chan func()

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func NewCommandManager(log logx.Logger, adapter transport.Adapter, owners []int64, opt Options) *CommandManager {
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	return &CommandManager{
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		owners:  slices.Clone(owners),
		workers: opt.Workers,
		jobs:    make(chan func(), opt.QueueSize),
	}
}

// SetOwners replaces the owner list. Safe during hot reload.
func (m *CommandManager) SetOwners(owners []int64) {
	m.mu.Lock()
	m.owners = slices.Clone(owners)
	m.mu.Unlock()
}

func (m *CommandManager) Observe(fn MessageObserver) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Supervisor returns the worker pool supervisor, nil when not dispatching.
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.sup
}

// SetRegistry replaces the command set. /help is always added.
func (m *CommandManager) SetRegistry(ctx context.Context, cmds []Command) {
	cmds = append(slices.Clone(cmds), Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show commands",
		Usage:       "/help [command...]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args))
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	var registered []Command
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.add(route, c)
		registered = append(registered, c)

		// Multi-token routes get a menu-friendly alias: "list contacts" -> list_contacts.
		// The single-token canonical name is never aliased, or "/list" would
		// short-circuit subcommand traversal.
		if menu, ok := telegramCommandNameFromRoute(route); ok && (len(route) > 1 || menu != route[0]) {
			if _, exists := alias[menu]; !exists {
				alias[menu] = leaf
			}
		}
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.ContainsAny(a, " \t") {
				continue
			}
			alias[a] = leaf
		}
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	if up, ok := m.adapter.(transport.CommandMenuUpdater); ok {
		menu := buildMenu(root, registered)
		go func() {
			uctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(uctx, menu); err != nil {
				m.log.Warn("menu update failed", logx.Err(err))
			}
		}()
	}
}

// DispatchLoop consumes updates until ctx ends or updates closes. Commands
// run on a bounded worker pool; when the queue is full the user is told to
// retry.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log))
	m.runMu.Lock()
	m.sup = sup
	m.runMu.Unlock()

	for i := 0; i < m.workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), m.worker,
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("queue_cap", cap(m.jobs)))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.runMu.Lock()
		m.sup = nil
		m.runMu.Unlock()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *CommandManager) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-m.jobs:
			job()
		}
	}
}

func (m *CommandManager) enqueue(job func()) bool {
	select {
	case m.jobs <- job:
		return true
	default:
		return false
	}
}

func (m *CommandManager) route(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}

	m.mu.RLock()
	observers := m.observers
	root := m.root
	alias := m.alias
	m.mu.RUnlock()

	for _, fn := range observers {
		fn(ctx, msg)
	}

	rest, ok := trimCommandPrefix(strings.TrimSpace(msg.Text))
	if !ok {
		return
	}
	parts := tokenizeCommandLine(rest)
	if len(parts) == 0 {
		return
	}
	word, _, _ := strings.Cut(parts[0], "@")
	args := parts[1:]
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	if leaf, ok := alias[word]; ok && leaf.cmd != nil {
		m.dispatch(ctx, msg, *leaf.cmd, splitRoute(leaf.cmd.Route), args)
		return
	}

	cur, ok := root.child(word)
	if !ok {
		_, _ = m.adapter.SendText(ctx, chat, "unknown command, try /help", nil)
		return
	}
	path := []string{word}
	for len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		next, ok := cur.child(args[0])
		if !ok {
			break
		}
		cur = next
		path = append(path, args[0])
		args = args[1:]
	}
	if cur.cmd == nil {
		_, _ = m.adapter.SendText(ctx, chat, m.helpText(path), &transport.SendOptions{DisablePreview: true})
		return
	}
	m.dispatch(ctx, msg, *cur.cmd, path, args)
}

func (m *CommandManager) dispatch(ctx context.Context, msg *transport.Message, cmd Command, path, raw []string) {
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	owners := m.owners
	m.mu.RUnlock()
	if cmd.Access == AccessOwnerOnly && !slices.Contains(owners, msg.FromID) {
		_, _ = m.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	rid := newReqID()
	pos, flags, bools := parseFlags(raw)
	req := &Request{
		Message:   msg,
		Chat:      chat,
		FromID:    msg.FromID,
		Path:      path,
		Command:   cmd.Route,
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   m.adapter,
		Owners:    owners,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
	}
	h := Chain(cmd.Handle, MWPanicRecover(m.log), MWRequestLog(), MWTimeout(cmd.Timeout))
	if !m.enqueue(func() { _ = h(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}
