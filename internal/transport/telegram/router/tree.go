package router

import (
	"sort"
	"strings"
)

// cmdNode is one token of a command path. Nodes without cmd are groups.
type cmdNode struct {
	name     string
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode {
	return &cmdNode{children: map[string]*cmdNode{}}
}

func splitRoute(route string) []string {
	return strings.Fields(route)
}

func (n *cmdNode) add(route []string, c Command) *cmdNode {
	cur := n
	for _, tok := range route {
		next, ok := cur.children[tok]
		if !ok {
			next = &cmdNode{name: tok, children: map[string]*cmdNode{}}
			cur.children[tok] = next
		}
		cur = next
	}
	cur.cmd = &c
	return cur
}

func (n *cmdNode) child(name string) (*cmdNode, bool) {
	c, ok := n.children[name]
	return c, ok
}

func (n *cmdNode) childNames() []string {
	out := make([]string, 0, len(n.children))
	for k := range n.children {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ownerOnly reports whether every command at or under n is owner-only.
func (n *cmdNode) ownerOnly() bool {
	found := false
	var walk func(*cmdNode) bool
	walk = func(x *cmdNode) bool {
		if x.cmd != nil {
			found = true
			if x.cmd.Access != AccessOwnerOnly {
				return false
			}
		}
		for _, c := range x.children {
			if !walk(c) {
				return false
			}
		}
		return true
	}
	return walk(n) && found
}

// summary is the node's own description, or a list of its subcommands.
func (n *cmdNode) summary() string {
	if n.cmd != nil && strings.TrimSpace(n.cmd.Description) != "" {
		return strings.TrimSpace(n.cmd.Description)
	}
	names := n.childNames()
	if len(names) == 0 {
		return ""
	}
	return "subcommands: " + strings.Join(names, ", ")
}
