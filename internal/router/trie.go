package router

import (
	"sort"
	"strings"
)

// trie indexes MQTT topic filters by level so a concrete topic is matched
// in O(depth) instead of scanning every filter.
type trie struct {
	root *trieNode
}

type trieNode struct {
	children map[string]*trieNode
	plus     *trieNode
	// hash holds the values of filters ending in "#" at this level.
	hash []string
	// values holds the values of filters ending exactly here.
	values []string
}

func newTrie() *trie {
	return &trie{root: &trieNode{}}
}

func (t *trie) insert(filter, value string) {
	n := t.root
	for _, level := range strings.Split(filter, "/") {
		switch level {
		case "#":
			n.hash = appendUnique(n.hash, value)
			return
		case "+":
			if n.plus == nil {
				n.plus = &trieNode{}
			}
			n = n.plus
		default:
			if n.children == nil {
				n.children = make(map[string]*trieNode)
			}
			child, ok := n.children[level]
			if !ok {
				child = &trieNode{}
				n.children[level] = child
			}
			n = child
		}
	}
	n.values = appendUnique(n.values, value)
}

// match returns the sorted, de-duplicated values of every filter matching
// topic. Topics starting with "$" are not matched by a leading wildcard.
func (t *trie) match(topic string) []string {
	levels := strings.Split(topic, "/")
	seen := make(map[string]struct{})
	t.walk(t.root, levels, 0, strings.HasPrefix(topic, "$"), seen)

	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (t *trie) walk(n *trieNode, levels []string, i int, system bool, seen map[string]struct{}) {
	wildcardOK := !(system && i == 0)

	// "#" also matches the parent level: "a/#" matches "a".
	if wildcardOK {
		for _, v := range n.hash {
			seen[v] = struct{}{}
		}
	}

	if i == len(levels) {
		for _, v := range n.values {
			seen[v] = struct{}{}
		}
		return
	}

	if child, ok := n.children[levels[i]]; ok {
		t.walk(child, levels, i+1, system, seen)
	}
	if n.plus != nil && wildcardOK {
		t.walk(n.plus, levels, i+1, system, seen)
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
