// Package discovery resolves target hosts for a run.
//
// The scheduler never calls discovery itself: the app layer searches once
// and hands the resulting host list to the scheduler as its members.
package discovery

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"fleetrun/internal/task"
)

// Discovery returns the attribute values of the hosts matching query.
type Discovery interface {
	Search(ctx context.Context, query string) ([]string, error)
}

// Static returns a fixed host list regardless of the query.
type Static []string

func (s Static) Search(context.Context, string) ([]string, error) {
	return append([]string(nil), s...), nil
}

// Inventory searches a YAML inventory file.
//
// File format:
//
//	nodes:
//	  - name: web-1
//	    fqdn: web-1.prod.example.com
//	    roles: [web]
//	    env: prod
//	    network: {ip: 10.0.0.11}
//
// Queries are whitespace separated key=value terms that must all match; a
// term matches list attributes when any element equals the value. "*" or an
// empty query matches every node. Attribute selects the returned value with a
// dotted path ("fqdn", "network.ip"); the default is "name".
type Inventory struct {
	Path      string
	Attribute string
}

type inventoryFile struct {
	Nodes []map[string]any `yaml:"nodes"`
}

func (inv Inventory) Search(ctx context.Context, query string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(inv.Path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	var f inventoryFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse inventory %s: %w", inv.Path, err)
	}
	terms, err := parseQuery(query)
	if err != nil {
		return nil, err
	}
	attr := strings.TrimSpace(inv.Attribute)
	if attr == "" {
		attr = "name"
	}

	var out []string
	for _, node := range f.Nodes {
		if !matches(node, terms) {
			continue
		}
		v, ok := lookup(node, attr)
		if !ok {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

type term struct{ key, value string }

func parseQuery(q string) ([]term, error) {
	q = strings.TrimSpace(q)
	if q == "" || q == "*" || q == "*:*" {
		return nil, nil
	}
	var terms []term
	for _, f := range strings.Fields(q) {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			k, v, ok = strings.Cut(f, ":")
		}
		if !ok || k == "" {
			return nil, task.Configf("discovery.query", "invalid term %q (use key=value)", f)
		}
		terms = append(terms, term{key: k, value: v})
	}
	return terms, nil
}

func matches(node map[string]any, terms []term) bool {
	for _, t := range terms {
		v, ok := lookup(node, t.key)
		if !ok || !valueMatches(v, t.value) {
			return false
		}
	}
	return true
}

func valueMatches(v any, want string) bool {
	if list, ok := v.([]any); ok {
		for _, item := range list {
			if valueMatches(item, want) {
				return true
			}
		}
		return false
	}
	return want == "*" || fmt.Sprint(v) == want
}

// lookup follows a dotted path through nested maps.
func lookup(node map[string]any, path string) (any, bool) {
	var cur any = node
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// Dedupe removes duplicate hosts while keeping first-seen order.
func Dedupe(hosts []string) []string {
	seen := make(map[string]struct{}, len(hosts))
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// Sorted returns a sorted copy of hosts.
func Sorted(hosts []string) []string {
	out := append([]string(nil), hosts...)
	sort.Strings(out)
	return out
}
