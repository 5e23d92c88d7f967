// Package pool implements the relay pool / router (spec §4.3): the
// call_id→relay affinity table, preference+failover selection among
// ready relays, and cleanup-timer bookkeeping for disconnected relays.
//
// The three shared maps (relays, sessions, cleanupTimers) are mutated
// exclusively inside the actor goroutine started by New; every public
// method communicates with it over a channel (spec §5, §9).
package pool

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/ag-projects/mediaproxy-dispatcher/internal/accounting"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/logging"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/relay"
	"github.com/ag-projects/mediaproxy-dispatcher/internal/relaywire"
)

// Pool owns the relay set and session table described in spec §3.
type Pool struct {
	relayTimeout   time.Duration
	cleanupTimeout time.Duration
	log            *logging.Logger
	accounting     *accounting.Manager

	cmds chan interface{}

	// closed once the pool's shutdown sequence has fully drained.
	stopped chan struct{}
}

// New starts the pool actor goroutine and returns immediately.
func New(relayTimeout, cleanupTimeout time.Duration, log *logging.Logger, acct *accounting.Manager) *Pool {
	p := &Pool{
		relayTimeout:   relayTimeout,
		cleanupTimeout: cleanupTimeout,
		log:            log,
		accounting:     acct,
		cmds:           make(chan interface{}, 64),
		stopped:        make(chan struct{}),
	}
	go p.run()
	return p
}

// --- public API, all implemented by round-tripping through the actor ---

// RelayConnected registers a newly-accepted relay connection and starts
// serving it. It fails if an IP already has a live connection (spec
// §3 "only one entry per IP at a time").
func (p *Pool) RelayConnected(ip string, netConn net.Conn) (*relay.Conn, error) {
	r := relay.New(ip, netConn, p.relayTimeout, p.log, relay.Hooks{
		OnExpired:    p.onExpired,
		OnRemoved:    p.onRemoved,
		OnDisconnect: p.onDisconnect,
	})

	reply := make(chan error, 1)
	p.cmds <- &connectedMsg{ip: ip, conn: r, reply: reply}
	if err := <-reply; err != nil {
		return nil, err
	}
	go r.Serve()
	return r, nil
}

// Dispatch implements spec §4.3's algorithm end to end, including the
// per-call_id in-flight guard resolving spec §9's open question.
func (p *Pool) Dispatch(ctx context.Context, command string, headers []string) (string, error) {
	callID, ok := extractHeader(headers, "call_id: ")
	if !ok {
		return "", relaywire.New(relaywire.ReasonMissingCallID, "could not parse call_id")
	}

	for {
		reply := make(chan dispatchOutcome, 1)
		p.cmds <- &dispatchMsg{command: command, headers: headers, callID: callID, reply: reply}

		var outcome dispatchOutcome
		select {
		case outcome = <-reply:
		case <-ctx.Done():
			return "", ctx.Err()
		}

		switch outcome.kind {
		case outcomeError:
			return "", outcome.err
		case outcomeRoute:
			return outcome.relay.SendCommand(ctx, command, headers)
		case outcomeWait:
			select {
			case <-outcome.waitCh:
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		case outcomeCandidates:
			payload, winner, err := p.tryCandidates(ctx, command, headers, outcome.candidates)
			p.cmds <- &commitMsg{callID: callID, ip: winner}
			return payload, err
		default:
			return "", fmt.Errorf("pool: unreachable outcome kind %v", outcome.kind)
		}
	}
}

// RelayStatus is one relay's state, for the status/metrics surface.
type RelayStatus struct {
	IP          string
	Ready       bool
	Outstanding int
}

// Snapshot is a point-in-time view of the pool's routing state.
type Snapshot struct {
	Relays             []RelayStatus
	SessionCount       int
	CleanupTimersArmed int
}

// Snapshot reports the current relay set, session count, and armed
// cleanup timers, round-tripped through the actor so it never races
// the shared maps (spec §5).
func (p *Pool) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	p.cmds <- &snapshotMsg{reply: reply}
	return <-reply
}

// Shutdown cancels all cleanup timers, closes every relay connection,
// and waits for all of them to confirm disconnect (spec §4.5 step 3).
func (p *Pool) Shutdown(ctx context.Context) error {
	reply := make(chan struct{})
	p.cmds <- &shutdownMsg{reply: reply}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- hooks driven by relay.Conn goroutines ---

func (p *Pool) onExpired(ip string, stats relay.Stats) {
	p.accounting.Publish(stats)
	p.cmds <- &sessionDropMsg{callID: statsCallID(stats)}
}

func (p *Pool) onRemoved(ip string, stats relay.Stats) {
	p.accounting.Publish(stats)
	p.cmds <- &sessionDropMsg{callID: statsCallID(stats)}
}

func (p *Pool) onDisconnect(ip string) {
	p.cmds <- &disconnectedMsg{ip: ip}
}

func statsCallID(stats relay.Stats) string {
	if v, ok := stats["call_id"].(string); ok {
		return v
	}
	return ""
}

func extractHeader(headers []string, prefix string) (string, bool) {
	for _, h := range headers {
		if len(h) >= len(prefix) && h[:len(prefix)] == prefix {
			return h[len(prefix):], true
		}
	}
	return "", false
}

// tryCandidates attempts candidates serially in order, logging the
// failed one and trying the next on a retryable RelayError (spec §4.3
// step 3). A non-retryable error (e.g. a disconnect) is returned as-is.
func (p *Pool) tryCandidates(ctx context.Context, command string, headers []string, candidates []*relay.Conn) (payload string, winnerIP string, err error) {
	for _, r := range candidates {
		payload, err = r.SendCommand(ctx, command, headers)
		if err == nil {
			return payload, r.IP, nil
		}
		if ctx.Err() != nil {
			return "", "", err
		}
		if re, ok := err.(*relaywire.RelayError); ok && !re.Reason.Retryable() {
			return "", "", err
		}
		p.log.Warnf("relay %s failed %q, trying next candidate: %v", r.IP, command, err)
	}
	return "", "", relaywire.New(relaywire.ReasonNoRelayAvailable, "no relay available")
}

// --- actor ---

type outcomeKind int

const (
	outcomeError outcomeKind = iota
	outcomeRoute
	outcomeWait
	outcomeCandidates
)

type dispatchOutcome struct {
	kind       outcomeKind
	err        error
	relay      *relay.Conn
	candidates []*relay.Conn
	waitCh     <-chan struct{}
}

type connectedMsg struct {
	ip    string
	conn  *relay.Conn
	reply chan error
}

type disconnectedMsg struct{ ip string }

type dispatchMsg struct {
	command string
	headers []string
	callID  string
	reply   chan dispatchOutcome
}

type commitMsg struct {
	callID string
	ip     string // empty means "release without binding"
}

type sessionDropMsg struct{ callID string }

type shutdownMsg struct{ reply chan struct{} }

type snapshotMsg struct{ reply chan Snapshot }

type cleanupFireMsg struct{ ip string }

func (p *Pool) run() {
	relays := make(map[string]*relay.Conn)
	sessions := make(map[string]string)
	cleanupTimers := make(map[string]*time.Timer)
	inFlight := make(map[string]chan struct{})
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	shuttingDown := false
	var shutdownReply chan struct{}

	for msg := range p.cmds {
		switch m := msg.(type) {

		case *connectedMsg:
			if _, exists := relays[m.ip]; exists {
				m.reply <- fmt.Errorf("connection to relay %s is already present", m.ip)
				continue
			}
			if t, armed := cleanupTimers[m.ip]; armed {
				t.Stop()
				delete(cleanupTimers, m.ip)
			}
			relays[m.ip] = m.conn
			m.reply <- nil

		case *disconnectedMsg:
			delete(relays, m.ip)
			if shuttingDown {
				if len(relays) == 0 && shutdownReply != nil {
					close(shutdownReply)
					shutdownReply = nil
				}
				continue
			}
			ip := m.ip
			cleanupTimers[ip] = time.AfterFunc(p.cleanupTimeout, func() {
				p.cmds <- &cleanupFireMsg{ip: ip}
			})

		case *cleanupFireMsg:
			delete(cleanupTimers, m.ip)
			for callID, ip := range sessions {
				if ip == m.ip {
					delete(sessions, callID)
				}
			}

		case *sessionDropMsg:
			if m.callID != "" {
				delete(sessions, m.callID)
			}

		case *commitMsg:
			done, busy := inFlight[m.callID]
			delete(inFlight, m.callID)
			if m.ip != "" {
				sessions[m.callID] = m.ip
			}
			if busy {
				close(done)
			}

		case *dispatchMsg:
			p.handleDispatch(m, relays, sessions, inFlight, rng)

		case *snapshotMsg:
			snap := Snapshot{SessionCount: len(sessions), CleanupTimersArmed: len(cleanupTimers)}
			for ip, r := range relays {
				snap.Relays = append(snap.Relays, RelayStatus{IP: ip, Ready: r.Ready(), Outstanding: r.Outstanding()})
			}
			m.reply <- snap

		case *shutdownMsg:
			shuttingDown = true
			for ip, t := range cleanupTimers {
				t.Stop()
				delete(cleanupTimers, ip)
			}
			if len(relays) == 0 {
				close(m.reply)
				continue
			}
			shutdownReply = m.reply
			for _, r := range relays {
				go r.Close()
			}
		}
	}
}

func (p *Pool) handleDispatch(m *dispatchMsg, relays map[string]*relay.Conn, sessions map[string]string, inFlight map[string]chan struct{}, rng *rand.Rand) {
	if done, busy := inFlight[m.callID]; busy {
		m.reply <- dispatchOutcome{kind: outcomeWait, waitCh: done}
		return
	}

	if ip, ok := sessions[m.callID]; ok {
		r, connected := relays[ip]
		if !connected {
			m.reply <- dispatchOutcome{kind: outcomeError, err: relaywire.New(relaywire.ReasonRelayGone, fmt.Sprintf("relay for this session (%s) is no longer connected", ip))}
			return
		}
		m.reply <- dispatchOutcome{kind: outcomeRoute, relay: r}
		return
	}

	if m.command != "update" {
		m.reply <- dispatchOutcome{kind: outcomeError, err: relaywire.New(relaywire.ReasonUnknownSession, "non-update command received for unknown session")}
		return
	}

	var candidates []*relay.Conn
	if preferred, ok := extractHeader(m.headers, "media_relay: "); ok {
		var others []*relay.Conn
		for ip, r := range relays {
			if ip == preferred {
				candidates = append(candidates, r)
			} else if r.Ready() {
				others = append(others, r)
			}
		}
		shuffle(rng, others)
		candidates = append(candidates, others...)
	} else {
		for _, r := range relays {
			if r.Ready() {
				candidates = append(candidates, r)
			}
		}
		shuffle(rng, candidates)
	}

	if len(candidates) == 0 {
		m.reply <- dispatchOutcome{kind: outcomeError, err: relaywire.New(relaywire.ReasonNoRelayAvailable, "no relay available")}
		return
	}

	done := make(chan struct{})
	inFlight[m.callID] = done
	m.reply <- dispatchOutcome{kind: outcomeCandidates, candidates: candidates}
}

func shuffle(rng *rand.Rand, s []*relay.Conn) {
	rng.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
}
