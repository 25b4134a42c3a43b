// Package server accepts sync connections and applies pushed files to the
// local tree, preserving every overwritten file in the backup area first.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"syncr-go/internal/protocol"
	"syncr-go/internal/syncr"
)

// Options tunes a Server.
type Options struct {
	// MaxConnections bounds the number of connections handled at once.
	// Further connections wait in the listen backlog.
	MaxConnections int

	// IOTimeout bounds every network read and write.
	IOTimeout time.Duration

	// TempDir holds catalog snapshots while they are streamed. Empty uses
	// the system temp directory.
	TempDir string
}

type Server struct {
	catalog syncr.Catalog
	tree    syncr.FileTree
	area    syncr.BackupArea
	opts    Options
	sem     *semaphore.Weighted
	clock   syncr.Clock
	ids     syncr.IDGenerator
	logger  syncr.Logger
}

func New(catalog syncr.Catalog, tree syncr.FileTree, area syncr.BackupArea, opts Options, clock syncr.Clock, ids syncr.IDGenerator, logger syncr.Logger) *Server {
	if opts.MaxConnections < 1 {
		opts.MaxConnections = 1
	}
	return &Server{
		catalog: catalog,
		tree:    tree,
		area:    area,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxConnections)),
		clock:   clock,
		ids:     ids,
		logger:  logger,
	}
}

// RefreshCatalog brings the catalog in line with the tree before serving.
func (s *Server) RefreshCatalog() (int, error) {
	n, err := s.catalog.RefreshCatalog(s.tree.Walk())
	if err != nil {
		return 0, fmt.Errorf("refreshing catalog: %w", err)
	}
	s.logger.Info("catalog refreshed", "files", n)
	return n, nil
}

// Serve accepts connections on ln until ctx is cancelled or accepting
// fails. Cancellation closes the listener and every open connection; Serve
// returns once all handlers have finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var handlers sync.WaitGroup
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		for {
			if err := s.sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			conn, err := ln.Accept()
			if err != nil {
				s.sem.Release(1)
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: accepting connection: %w", syncr.ErrConnection, err)
			}
			handlers.Go(func() {
				defer s.sem.Release(1)
				s.handleConn(gctx, conn)
			})
		}
	})

	s.logger.Info("server listening", "addr", ln.Addr().String(), "max_connections", s.opts.MaxConnections)
	err := g.Wait()
	handlers.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	s.logger.Info("server stopped")
	return err
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	defer raw.Close()
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer stop()

	sess := &session{
		Server: s,
		conn:   protocol.NewDeadlineConn(raw, s.opts.IOTimeout),
		id:     s.ids.New(),
		peer:   raw.RemoteAddr().String(),
	}
	sess.logger = s.logger.With("peer", sess.peer, "session", sess.id)
	sess.logger.Info("connection accepted")

	for {
		frame, err := protocol.ReadFrame(sess.conn)
		if err != nil {
			if errors.Is(err, protocol.ErrConnectionClosed) {
				sess.logger.Info("connection closed by peer")
			} else {
				sess.logger.Warn("connection failed", "error", err)
			}
			return
		}

		req, err := protocol.DecodeRequest(frame)
		if err != nil {
			sess.logger.Warn("rejecting request", "error", err)
			sess.send(protocol.ErrorMessage("%v", err))
			return
		}
		if _, ok := req.(*protocol.CloseRequest); ok {
			sess.logger.Info("connection closed on request")
			return
		}

		if err := sess.dispatch(req); err != nil {
			sess.logger.Warn("request failed", "type", req.Type(), "error", err)
			return
		}
	}
}
