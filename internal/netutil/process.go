package netutil

import (
	"context"
	"fmt"
	"net/netip"
	"path/filepath"
	"sort"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessAlive reports whether a process with pid exists.
func ProcessAlive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// MatchExe reports whether a process name matches an allowlist entry.
// Matching ignores case, directories and a missing ".exe" suffix.
func MatchExe(procName string, allow []string) bool {
	base := strings.ToLower(filepath.Base(procName))
	trimmed := strings.TrimSuffix(base, ".exe")
	for _, a := range allow {
		a = strings.ToLower(filepath.Base(a))
		if a == base || strings.TrimSuffix(a, ".exe") == trimmed {
			return true
		}
	}
	return false
}

// PeerAddrs returns the remote IPv4 peers of every process whose executable
// name is in allow.
func PeerAddrs(ctx context.Context, allow []string) ([]netip.Addr, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	pids := make(map[int32]bool)
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if MatchExe(name, allow) {
			pids[p.Pid] = true
		}
	}
	if len(pids) == 0 {
		return nil, nil
	}

	conns, err := psnet.ConnectionsWithContext(ctx, "inet4")
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return remotePeers(conns, pids), nil
}

func remotePeers(conns []psnet.ConnectionStat, pids map[int32]bool) []netip.Addr {
	seen := make(map[netip.Addr]bool)
	var out []netip.Addr
	for _, c := range conns {
		if !pids[c.Pid] || c.Raddr.IP == "" {
			continue
		}
		addr, err := netip.ParseAddr(c.Raddr.IP)
		if err != nil {
			continue
		}
		addr = addr.Unmap()
		if !addr.Is4() || !addr.IsGlobalUnicast() || addr.IsPrivate() || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
