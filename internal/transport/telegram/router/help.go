package router

import (
	"fmt"
	"slices"
	"strings"
)

// helpText renders plain-text help for the whole tree or for one path.
func (m *CommandManager) helpText(path []string) string {
	m.mu.RLock()
	root := m.root
	alias := m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return helpTop(root)
	}

	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		if n, ok := cur.child(p); ok {
			cur = n
			full = append(full, p)
			continue
		}
		if len(full) == 0 {
			if leaf, ok := alias[p]; ok && leaf.cmd != nil {
				cur = leaf
				full = splitRoute(leaf.cmd.Route)
				break
			}
		}
		return "unknown command, try /help"
	}
	return helpNode(cur, full, alias)
}

func helpTop(root *cmdNode) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		fmt.Fprintf(&b, "/%s", name)
		if s := n.summary(); s != "" {
			b.WriteString(" - " + s)
		}
		if n.ownerOnly() {
			b.WriteString(" [owner]")
		}
		b.WriteByte('\n')
	}
	b.WriteString("\n/help <command> for details.")
	return b.String()
}

func helpNode(n *cmdNode, full []string, alias map[string]*cmdNode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "/%s\n", strings.Join(full, " "))
	if c := n.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			b.WriteString(d + "\n")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			b.WriteString("usage: " + u + "\n")
		}
		var names []string
		for a, leaf := range alias {
			if leaf == n {
				names = append(names, "/"+a)
			}
		}
		if len(names) > 0 {
			slices.Sort(names)
			b.WriteString("aliases: " + strings.Join(names, ", ") + "\n")
		}
		if c.Access == AccessOwnerOnly {
			b.WriteString("owner only\n")
		}
	}
	if kids := n.childNames(); len(kids) > 0 {
		b.WriteString("subcommands:\n")
		for _, k := range kids {
			child, _ := n.child(k)
			fmt.Fprintf(&b, "  %s", k)
			if s := child.summary(); s != "" {
				b.WriteString(" - " + s)
			}
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
