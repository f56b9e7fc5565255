package main

import (
	"context"

	"go.uber.org/zap"
	"mdticker.com/internal/device"
	"mdticker.com/internal/ticker"
	"mdticker.com/pkg/logger"
	"mdticker.com/pkg/xerr"
)

// newSource builds and initializes the one packet source the flags select,
// wrapped in a recorder when a record path is set.
func newSource(ctx context.Context, f runFlags, cfg *ticker.AppConfig) (device.Source, error) {
	kinds := 0
	for _, set := range []bool{len(f.pcaps) > 0, f.wal != "", f.live} {
		if set {
			kinds++
		}
	}
	if kinds != 1 {
		return nil, xerr.New(xerr.Config, "exactly one of --pcaps, --wal or --live is required")
	}

	var (
		src  device.Source
		kind string
	)
	switch {
	case len(f.pcaps) > 0:
		kind = "pcap"
		src = device.NewPcapSource(device.PcapSettings{
			Patterns:          f.pcaps,
			VerifyUDPChecksum: cfg.Source.VerifyUDPChecksum,
			MaxPPS:            cfg.Source.MaxPPS,
		})
	case f.wal != "":
		kind = "wal"
		src = device.NewWALSource(device.WALSettings{Path: f.wal, MaxPPS: cfg.Source.MaxPPS})
	default:
		kind = "udp"
		src = device.NewUDPSource(device.UDPSettings{})
	}

	record := cfg.Source.Record
	if f.record != "" {
		record = f.record
	}
	if record != "" {
		src = device.NewRecorder(src, record)
	}

	if err := src.Init(); err != nil {
		return nil, xerr.Wrap(xerr.Source, err, "init "+kind+" source")
	}
	logger.Info(ctx, "packet source ready", zap.String("kind", kind), zap.String("record", record))
	return src, nil
}
