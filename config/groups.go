package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Group is one privilege group: its bit in clients.group_bits, its keyword
// and its level.
type Group struct {
	Bits    int
	Keyword string
	Level   int
}

// DefaultGroups is the stock group table.
var DefaultGroups = []Group{
	{0, "guest", 0},
	{1, "user", 1},
	{2, "reg", 2},
	{8, "mod", 20},
	{16, "admin", 40},
	{32, "fulladmin", 60},
	{64, "senioradmin", 80},
	{128, "superadmin", 100},
}

// GroupTable maps group keywords to levels.
type GroupTable map[string]int

func DefaultGroupTable() GroupTable {
	t := make(GroupTable, len(DefaultGroups))
	for _, g := range DefaultGroups {
		t[g.Keyword] = g.Level
	}
	return t
}

// Level resolves a keyword or a non-negative integer to a level.
func (t GroupTable) Level(v string) (int, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative level %d", n)
		}
		return n, nil
	}
	if level, ok := t[strings.ToLower(v)]; ok {
		return level, nil
	}
	return 0, fmt.Errorf("unknown group %q", v)
}
