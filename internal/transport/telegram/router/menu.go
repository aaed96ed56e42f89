package router

import (
	"sort"
	"strings"
	"unicode"

	"github.com/WaterInk0101/proactive-private-chat/internal/transport"
)

const (
	maxMenuCommands = 100
	maxMenuName     = 32
	maxMenuDesc     = 256
)

// sanitizeTelegramCommand maps a route or alias to Telegram's
// [a-z0-9_]{1,32} command alphabet. Non-ASCII names (e.g. 私聊) come back empty
// and stay typed-only aliases.
func sanitizeTelegramCommand(s string) string {
	var b strings.Builder
	under := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			under = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !under {
				b.WriteByte('_')
				under = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxMenuName {
		out = strings.TrimRight(out[:maxMenuName], "_")
	}
	return out
}

// telegramCommandNameFromRoute joins a route into one menu name:
//
//	["list","contacts"] -> "list_contacts"
func telegramCommandNameFromRoute(route []string) (string, bool) {
	if len(route) == 0 {
		return "", false
	}
	out := sanitizeTelegramCommand(strings.Join(route, "_"))
	return out, out != ""
}

func menuDesc(desc string, ownerOnly bool) string {
	desc = strings.ReplaceAll(strings.TrimSpace(desc), "\n", " ")
	if ownerOnly {
		desc = "[owner] " + desc
	}
	if r := []rune(desc); len(r) > maxMenuDesc {
		desc = string(r[:maxMenuDesc])
	}
	return desc
}

// buildMenu lists top-level commands first, then shortcuts for
// multi-token routes.
func buildMenu(root *cmdNode, cmds []Command) []transport.BotCommand {
	type entry struct {
		name string
		desc string
		prio int
	}
	seen := map[string]entry{}
	add := func(name, desc string, prio int) {
		name = sanitizeTelegramCommand(name)
		if name == "" {
			return
		}
		if desc == "" {
			desc = name
		}
		if cur, ok := seen[name]; ok && cur.prio <= prio {
			return
		}
		seen[name] = entry{name: name, desc: desc, prio: prio}
	}

	for _, name := range root.childNames() {
		n, _ := root.child(name)
		add(name, menuDesc(n.summary(), n.ownerOnly()), 0)
	}
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) < 2 {
			continue
		}
		if name, ok := telegramCommandNameFromRoute(route); ok {
			desc := c.Description
			if strings.TrimSpace(desc) == "" {
				desc = strings.Join(route, " ")
			}
			add(name, menuDesc(desc, c.Access == AccessOwnerOnly), 1)
		}
	}

	entries := make([]entry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].prio != entries[j].prio {
			return entries[i].prio < entries[j].prio
		}
		return entries[i].name < entries[j].name
	})
	if len(entries) > maxMenuCommands {
		entries = entries[:maxMenuCommands]
	}
	out := make([]transport.BotCommand, 0, len(entries))
	for _, e := range entries {
		out = append(out, transport.BotCommand{Command: e.name, Description: e.desc})
	}
	return out
}
