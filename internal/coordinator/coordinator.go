// Package coordinator implements the Multi-Instance Coordinator
// (spec.md §4.H): the parent re-execs itself N−1 times so peer workers
// share nothing in-process, only the filesystem (artifacts/, tmp/, and
// the lock namespace within it). Grounded on distri's
// internal/build.go self-re-exec pattern (os.Args[0] re-invoked with an
// env-var marker), adapted from a namespace-isolation re-exec into a
// peer-instance-index re-exec — deliberately NOT distri's
// internal/batch goroutine-pool scheduler, since ybd's peers are
// separate OS processes, not in-process goroutines (spec.md §5).
package coordinator

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// ProcessMarkerEnv is set in every re-exec'd peer so it can tell it is
// already a forked worker rather than the original launch.
const ProcessMarkerEnv = "YBD_COORDINATOR_PEER"

// ForkIndexEnv carries the peer's assigned fork index across re-exec,
// mirroring spec.md §6's `fork` config key.
const ForkIndexEnv = "YBD_FORK_INDEX"

// IsPeer reports whether this process was launched by Spawn below,
// rather than being the original top-level invocation.
func IsPeer() bool {
	return os.Getenv(ProcessMarkerEnv) == "1"
}

// ForkIndex returns this process's assigned peer index, valid only when
// IsPeer() is true.
func ForkIndex() int {
	n, _ := strconv.Atoi(os.Getenv(ForkIndexEnv))
	return n
}

// Spawn re-execs the running executable (os.Executable) as peer worker
// `index`, passing through the
// same argv and environment plus the fork-index markers. All peers
// therefore share argv-derived configuration (target, defdir, artifacts,
// tmp, ...) and coordinate purely through the filesystem (spec.md §4.H
// "Peers do not share in-process state").
func Spawn(index int) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("coordinator: resolving executable: %w", err)
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(),
		ProcessMarkerEnv+"=1",
		ForkIndexEnv+"="+strconv.Itoa(index),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("coordinator: starting peer %d: %w", index, err)
	}
	return cmd, nil
}

// SpawnPeers launches instances-1 peer workers (the parent itself is
// fork 0, the lead) and returns their handles for the caller to Wait on.
func SpawnPeers(instances int) ([]*exec.Cmd, error) {
	if instances <= 1 {
		return nil, nil
	}
	peers := make([]*exec.Cmd, 0, instances-1)
	for i := 1; i < instances; i++ {
		cmd, err := Spawn(i)
		if err != nil {
			for _, p := range peers {
				p.Process.Kill()
			}
			return nil, err
		}
		peers = append(peers, cmd)
	}
	return peers, nil
}

// WaitAll waits for every peer to exit, returning the first non-nil
// error encountered (a peer's build failure is the coordinator's
// failure too).
func WaitAll(peers []*exec.Cmd) error {
	var firstErr error
	for _, p := range peers {
		if err := p.Wait(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("coordinator: peer %s: %w", p.Path, err)
		}
	}
	return firstErr
}
