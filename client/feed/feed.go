// Package feed follows the server's change feed of assets created by any of the user's devices.
package feed

import (
	"context"
	"fmt"

	"github.com/pixiserve/pixisync/client/hctx"
	"github.com/pixiserve/pixisync/shared"
	"github.com/sirupsen/logrus"
)

type Source interface {
	Changes(ctx context.Context, deviceId, cursor string, limit int) (*shared.ChangesResponse, error)
}

type PullOptions struct {
	// Page size requested from the server. Zero uses the server default.
	PageSize int
	// Stop after roughly this many items. Zero means until the feed is drained.
	MaxItems int
	// Start from the beginning of the feed instead of the stored cursor
	FromStart bool
}

type Puller struct {
	source Source
	conf   *hctx.ClientConfig
	save   func(*hctx.ClientConfig) error
	logger logrus.FieldLogger
}

func NewPuller(source Source, conf *hctx.ClientConfig, save func(*hctx.ClientConfig) error, logger logrus.FieldLogger) *Puller {
	return &Puller{source: source, conf: conf, save: save, logger: logger}
}

// Pull hands every page of new records to fn and saves the feed cursor after each page that fn
// accepted, so an interrupted pull resumes where it stopped. It returns the number of records read.
func (p *Puller) Pull(ctx context.Context, opts PullOptions, fn func(items []shared.AssetRecord) error) (int, error) {
	if p.conf.DeviceId == "" {
		return 0, fmt.Errorf("this device is not registered, run `pixisync register` first")
	}
	position := p.conf.ChangesCursor
	if opts.FromStart {
		position = ""
	}
	read := 0
	for {
		resp, err := p.source.Changes(ctx, p.conf.DeviceId, position, opts.PageSize)
		if err != nil {
			return read, fmt.Errorf("failed to read the change feed: %w", err)
		}
		if err := fn(resp.Items); err != nil {
			return read, err
		}
		read += len(resp.Items)
		if resp.NextCursor != "" && resp.NextCursor != position {
			position = resp.NextCursor
			p.conf.ChangesCursor = position
			if err := p.save(p.conf); err != nil {
				return read, fmt.Errorf("failed to save the change feed cursor: %w", err)
			}
		}
		p.logger.Debugf("Read %d changes, next cursor %s", len(resp.Items), position)
		if !resp.HasMore || len(resp.Items) == 0 || (opts.MaxItems > 0 && read >= opts.MaxItems) {
			return read, nil
		}
	}
}
