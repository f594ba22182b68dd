// Package hostlist converts between node name lists and their ranged string
// form, e.g. "node[1-5,8],login1".
//
// Compress preserves input order: Expand(Compress(names)) returns names in the
// same order, which is what keeps node ids stable across forwarding hops.
package hostlist

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// MaxHosts bounds the size of a single expansion.
const MaxHosts = 1 << 20

// maxDigits bounds a numeric range bound so it always fits an int.
const maxDigits = 9

var ErrSyntax = errors.New("hostlist: bad syntax")

// Expand parses a ranged expression into individual names.
func Expand(expr string) ([]string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	var out []string
	for _, part := range splitTop(expr) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		names, err := expandOne(part)
		if err != nil {
			return nil, err
		}
		if len(out)+len(names) > MaxHosts {
			return nil, fmt.Errorf("%w: more than %d hosts", ErrSyntax, MaxHosts)
		}
		out = append(out, names...)
	}
	return out, nil
}

// splitTop splits on commas that are not inside brackets.
func splitTop(expr string) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, expr[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, expr[start:])
}

func expandOne(part string) ([]string, error) {
	open := strings.IndexByte(part, '[')
	if open < 0 {
		if strings.ContainsAny(part, "]") {
			return nil, fmt.Errorf("%w: %q", ErrSyntax, part)
		}
		return []string{part}, nil
	}
	end := strings.IndexByte(part, ']')
	if end < open {
		return nil, fmt.Errorf("%w: unbalanced brackets in %q", ErrSyntax, part)
	}
	prefix := part[:open]
	suffix := part[end+1:]
	if strings.ContainsAny(suffix, "[]") {
		return nil, fmt.Errorf("%w: nested ranges in %q", ErrSyntax, part)
	}
	body := part[open+1 : end]
	if body == "" {
		return nil, fmt.Errorf("%w: empty range in %q", ErrSyntax, part)
	}
	var out []string
	for _, r := range strings.Split(body, ",") {
		lo, hi, found := strings.Cut(r, "-")
		if !found {
			hi = lo
		}
		if !isDigits(lo) || !isDigits(hi) {
			return nil, fmt.Errorf("%w: range %q", ErrSyntax, r)
		}
		if len(lo) > maxDigits || len(hi) > maxDigits {
			return nil, fmt.Errorf("%w: range bound %q has more than %d digits", ErrSyntax, r, maxDigits)
		}
		a, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("%w: range %q: %v", ErrSyntax, r, err)
		}
		b, err := strconv.Atoi(hi)
		if err != nil {
			return nil, fmt.Errorf("%w: range %q: %v", ErrSyntax, r, err)
		}
		if b < a {
			return nil, fmt.Errorf("%w: descending range %q", ErrSyntax, r)
		}
		if b-a+1 > MaxHosts-len(out) {
			return nil, fmt.Errorf("%w: range %q too large", ErrSyntax, r)
		}
		width := 0
		if len(lo) > 1 && lo[0] == '0' {
			width = len(lo)
		}
		for i := 0; i <= b-a; i++ {
			if len(out) >= MaxHosts {
				return nil, fmt.Errorf("%w: more than %d hosts", ErrSyntax, MaxHosts)
			}
			out = append(out, prefix+formatNum(a+i, width)+suffix)
		}
	}
	return out, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func formatNum(n, width int) string {
	s := strconv.Itoa(n)
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	return s
}

// splitName separates a trailing run of digits. ok is false when there is none.
func splitName(name string) (prefix, digits string, ok bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return name, "", false
	}
	return name[:i], name[i:], true
}

type group struct {
	prefix string
	width  int
	nums   []int
	raw    string
	isRaw  bool
}

// Compress produces the ranged form of names without reordering them.
// Only adjacent names sharing a prefix and digit width are bracketed together.
func Compress(names []string) string {
	var groups []*group
	for _, name := range names {
		prefix, digits, ok := splitName(name)
		if !ok || len(digits) > 9 {
			groups = append(groups, &group{raw: name, isRaw: true})
			continue
		}
		n, _ := strconv.Atoi(digits)
		width := 0
		if len(digits) > 1 && digits[0] == '0' {
			width = len(digits)
		}
		if len(groups) > 0 {
			g := groups[len(groups)-1]
			if !g.isRaw && g.prefix == prefix && sameWidth(g.width, width, digits) {
				g.nums = append(g.nums, n)
				continue
			}
		}
		groups = append(groups, &group{prefix: prefix, width: width, nums: []int{n}})
	}
	parts := make([]string, 0, len(groups))
	for _, g := range groups {
		parts = append(parts, g.String())
	}
	return strings.Join(parts, ",")
}

func sameWidth(groupWidth, width int, digits string) bool {
	if groupWidth == 0 {
		return width == 0
	}
	return len(digits) == groupWidth
}

func (g *group) String() string {
	if g.isRaw {
		return g.raw
	}
	if len(g.nums) == 1 {
		return g.prefix + formatNum(g.nums[0], g.width)
	}
	var b strings.Builder
	b.WriteString(g.prefix)
	b.WriteByte('[')
	for i := 0; i < len(g.nums); {
		j := i
		for j+1 < len(g.nums) && g.nums[j+1] == g.nums[j]+1 {
			j++
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(formatNum(g.nums[i], g.width))
		if j > i {
			b.WriteByte('-')
			b.WriteString(formatNum(g.nums[j], g.width))
		}
		i = j + 1
	}
	b.WriteByte(']')
	return b.String()
}

// HostList is an ordered list of node names.
type HostList struct {
	hosts []string
}

// New parses expr into a HostList.
func New(expr string) (*HostList, error) {
	names, err := Expand(expr)
	if err != nil {
		return nil, err
	}
	return &HostList{hosts: names}, nil
}

func FromNames(names []string) *HostList {
	return &HostList{hosts: slices.Clone(names)}
}

func (h *HostList) Count() int {
	if h == nil {
		return 0
	}
	return len(h.hosts)
}

// Shift removes and returns the first name.
func (h *HostList) Shift() (string, bool) {
	if h == nil || len(h.hosts) == 0 {
		return "", false
	}
	name := h.hosts[0]
	h.hosts = h.hosts[1:]
	return name, true
}

func (h *HostList) Push(names ...string) {
	h.hosts = append(h.hosts, names...)
}

func (h *HostList) Nth(i int) (string, bool) {
	if h == nil || i < 0 || i >= len(h.hosts) {
		return "", false
	}
	return h.hosts[i], true
}

func (h *HostList) Names() []string {
	if h == nil {
		return nil
	}
	return slices.Clone(h.hosts)
}

// Ranged returns the compressed, order-preserving string form.
func (h *HostList) Ranged() string {
	if h == nil {
		return ""
	}
	return Compress(h.hosts)
}

func (h *HostList) String() string {
	return h.Ranged()
}

// Uniq drops repeated names, keeping the first occurrence.
func (h *HostList) Uniq() {
	seen := make(map[string]struct{}, len(h.hosts))
	out := h.hosts[:0]
	for _, name := range h.hosts {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	h.hosts = out
}

// Sort orders names by prefix then numeric suffix and removes duplicates.
func (h *HostList) Sort() {
	slices.SortStableFunc(h.hosts, compareNames)
	h.hosts = slices.Compact(h.hosts)
}

func compareNames(a, b string) int {
	pa, da, oka := splitName(a)
	pb, db, okb := splitName(b)
	if pa != pb || !oka || !okb {
		return strings.Compare(a, b)
	}
	na, _ := strconv.Atoi(da)
	nb, _ := strconv.Atoi(db)
	switch {
	case na < nb:
		return -1
	case na > nb:
		return 1
	}
	return strings.Compare(da, db)
}
