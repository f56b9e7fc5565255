package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"mdticker.com/pkg/logger"
	"mdticker.com/pkg/wal"
)

// recordHeaderSize: receipt time ns(8) + address(16) + port(2).
const recordHeaderSize = 26

var ErrShortRecord = errors.New("device: short packet record")

func appendRecord(dst []byte, p *Packet) []byte {
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(p.Timestamp.UnixNano()))
	a16 := p.Endpoint.Addr().As16()
	copy(hdr[8:24], a16[:])
	binary.LittleEndian.PutUint16(hdr[24:26], p.Endpoint.Port())
	dst = append(dst, hdr[:]...)
	return append(dst, p.Data...)
}

func decodeRecord(b []byte) (netip.AddrPort, time.Time, []byte, error) {
	if len(b) < recordHeaderSize {
		return netip.AddrPort{}, time.Time{}, nil, ErrShortRecord
	}
	ts := time.Unix(0, int64(binary.LittleEndian.Uint64(b[0:8])))
	var a16 [16]byte
	copy(a16[:], b[8:24])
	ep := netip.AddrPortFrom(netip.AddrFrom16(a16).Unmap(), binary.LittleEndian.Uint16(b[24:26]))
	return ep, ts, b[recordHeaderSize:], nil
}

// Recorder wraps a Source and appends every packet it delivers to a WAL
// file, so a session can be replayed later with WALSource.
type Recorder struct {
	Source
	path string
	w    *wal.Writer
	buf  []byte
}

func NewRecorder(inner Source, path string) *Recorder {
	return &Recorder{Source: inner, path: path}
}

func (r *Recorder) Start(ctx context.Context) error {
	w, err := wal.OpenWriter(r.path, 0)
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	if err := r.Source.Start(ctx); err != nil {
		_ = w.Close()
		return err
	}
	r.w = w
	return nil
}

func (r *Recorder) Poll(timeout time.Duration, buf []Packet) (int, error) {
	n, err := r.Source.Poll(timeout, buf)
	for i := 0; i < n && r.w != nil; i++ {
		r.buf = appendRecord(r.buf[:0], &buf[i])
		if werr := r.w.Append(r.buf); werr != nil {
			return i, fmt.Errorf("recorder: %w", werr)
		}
	}
	return n, err
}

func (r *Recorder) Stop() error {
	err := r.Source.Stop()
	if r.w != nil {
		logger.Info(context.Background(), "recording closed", zap.String("path", r.path), zap.Int64("bytes", r.w.Offset()))
		err = errors.Join(err, r.w.Close())
		r.w = nil
	}
	return err
}

// WALSettings configures recording replay.
type WALSettings struct {
	Path   string
	MaxPPS float64
}

// WALSource replays packets written by Recorder. Packets keep their
// recorded timestamps; endpoints not registered in this run are skipped.
type WALSource struct {
	settings WALSettings
	routes   routeTable
	limiter  *rate.Limiter
	r        *wal.Reader
	stats    Stats
}

var _ Source = (*WALSource)(nil)

func NewWALSource(s WALSettings) *WALSource {
	return &WALSource{settings: s, routes: newRouteTable()}
}

func (s *WALSource) Init() error {
	if s.settings.Path == "" {
		return errors.New("wal source: no path")
	}
	if s.settings.MaxPPS < 0 {
		return fmt.Errorf("wal source: max_pps %v is negative", s.settings.MaxPPS)
	}
	if s.settings.MaxPPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(s.settings.MaxPPS), 1)
	}
	return nil
}

func (s *WALSource) RegisterEndpoint(ep netip.AddrPort, iface netip.Addr, route Route) error {
	return s.routes.add(ep, iface, route)
}

func (s *WALSource) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, err := wal.OpenReader(s.settings.Path, 0, wal.ReaderOptions{AllowTruncatedTail: true})
	if err != nil {
		return fmt.Errorf("wal source: %w", err)
	}
	s.r = r
	return nil
}

func (s *WALSource) Poll(timeout time.Duration, buf []Packet) (int, error) {
	if s.r == nil {
		return 0, ErrNotStarted
	}
	if len(buf) == 0 {
		return 0, nil
	}
	deadline := time.Now().Add(timeout)
	if s.limiter != nil {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		err := s.limiter.Wait(ctx)
		cancel()
		if err != nil {
			return 0, ErrTimeout
		}
	}
	for {
		rec, err := s.r.Next()
		if errors.Is(err, io.EOF) {
			return 0, ErrEndOfData
		}
		if err != nil {
			return 0, fmt.Errorf("wal source: %w", err)
		}
		ep, ts, data, err := decodeRecord(rec)
		if err != nil {
			s.stats.Undecodable++
			continue
		}
		route, ok := s.routes.lookup(ep)
		if !ok {
			s.stats.Unrouted++
			if time.Now().After(deadline) {
				return 0, ErrTimeout
			}
			continue
		}
		s.stats.Delivered++
		buf[0] = Packet{Route: route, Endpoint: ep, Timestamp: ts, Data: data}
		return 1, nil
	}
}

func (s *WALSource) Stats() Stats { return s.stats }

func (s *WALSource) Stop() error {
	if s.r == nil {
		return ErrNotStarted
	}
	err := s.r.Close()
	s.r = nil
	return err
}
