package ftpadapter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jgivc/ingramsync/internal/common"
	"github.com/jgivc/ingramsync/internal/config"
	"github.com/jgivc/ingramsync/internal/entity"
	"github.com/jlaffaye/ftp"
	"github.com/spf13/afero"
)

const (
	defaultPort    = "21"
	copyBufferSize = 1 << 20
	partSuffix     = ".part"
)

// conn is the slice of the FTP client this adapter relies on.
type conn interface {
	List(path string) ([]*ftp.Entry, error)
	Retr(path string) (io.ReadCloser, error)
	GetTime(path string) (time.Time, error)
	IsTimePreciseInList() bool
	IsGetTimeSupported() bool
	Quit() error
}

// serverConn adapts *ftp.ServerConn to conn, narrowing Retr's *ftp.Response
// to io.ReadCloser.
type serverConn struct {
	*ftp.ServerConn
}

func (c serverConn) Retr(path string) (io.ReadCloser, error) {
	return c.ServerConn.Retr(path)
}

// Session wraps one authenticated feed connection. The server allows a
// single in-flight transfer per connection, so a session must never be
// shared across goroutines; each concurrent worker opens its own.
type Session struct {
	conn conn
	fs   afero.Fs
	log  *slog.Logger
}

// Open dials the feed server and logs in. The caller owns the session and
// must close it on every exit path.
func Open(ctx context.Context, cfg *config.FTPConfig, log *slog.Logger) (*Session, error) {
	addr := hostAddr(cfg.Host)

	c, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(cfg.DialTimeout.Std()),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot dial %s: %w: %w", addr, common.ErrConnect, err)
	}

	if err := c.Login(cfg.User, cfg.Password); err != nil {
		_ = c.Quit()

		return nil, fmt.Errorf("cannot login as %s: %w: %w", cfg.User, common.ErrAuthFailed, err)
	}

	log.Debug("Session opened", slog.String("host", addr), slog.String("user", cfg.User))

	return newSession(serverConn{c}, afero.NewOsFs(), log), nil
}

func newSession(c conn, fs afero.Fs, log *slog.Logger) *Session {
	return &Session{
		conn: c,
		fs:   fs,
		log:  log.With(slog.String("item", "Session")),
	}
}

// List walks dir recursively and returns a snapshot of every regular file
// whose base name matches pattern (empty pattern keeps all), stamped with
// category. When the server listing carries imprecise times and MDTM is
// available, each entry's time is refined before returning.
func (s *Session) List(category entity.Category, dir, pattern string) ([]entity.RemoteFile, error) {
	var files []entity.RemoteFile
	if err := s.walk(dir, pattern, &files); err != nil {
		return nil, err
	}

	for i := range files {
		files[i].Category = category
	}

	if len(files) > 0 && !s.conn.IsTimePreciseInList() && s.conn.IsGetTimeSupported() {
		for i := range files {
			t, err := s.conn.GetTime(files[i].Path)
			if err != nil {
				return nil, fmt.Errorf("cannot read modification time of %s: %w", files[i].Path, err)
			}

			files[i].ModifiedAt = t
		}
	}

	return files, nil
}

func (s *Session) walk(dir, pattern string, files *[]entity.RemoteFile) error {
	entries, err := s.conn.List(dir)
	if err != nil {
		return fmt.Errorf("cannot list %s: %w", dir, err)
	}

	for _, e := range entries {
		switch e.Type {
		case ftp.EntryTypeFolder:
			if e.Name == "." || e.Name == ".." {
				continue
			}

			if err := s.walk(path.Join(dir, e.Name), pattern, files); err != nil {
				return err
			}
		case ftp.EntryTypeFile:
			if pattern != "" {
				ok, err := path.Match(pattern, e.Name)
				if err != nil {
					return fmt.Errorf("bad listing pattern %q: %w", pattern, err)
				}
				if !ok {
					continue
				}
			}

			*files = append(*files, entity.RemoteFile{
				Path:       path.Join(dir, e.Name),
				Size:       int64(e.Size),
				ModifiedAt: e.Time,
			})
		}
	}

	return nil
}

// Download streams one remote file into localPath. Bytes land in a unique
// temp file first and are renamed into place only on success, so an
// abandoned transfer never looks like a completed download.
func (s *Session) Download(ctx context.Context, remotePath, localPath string) error {
	resp, err := s.conn.Retr(remotePath)
	if err != nil {
		return fmt.Errorf("cannot retrieve %s: %w: %w", remotePath, common.ErrTransfer, err)
	}
	defer resp.Close()

	if dir := filepath.Dir(localPath); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create %s: %w: %w", dir, common.ErrTransfer, err)
		}
	}

	tmpPath := fmt.Sprintf("%s.%s%s", localPath, uuid.NewString(), partSuffix)
	f, err := s.fs.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w: %w", tmpPath, common.ErrTransfer, err)
	}

	n, err := copyWithContext(ctx, f, resp)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(tmpPath)

		return fmt.Errorf("cannot write %s: %w: %w", localPath, common.ErrTransfer, err)
	}

	// Rename over an existing artifact: a re-download replaces it in full.
	if ok, _ := afero.Exists(s.fs, localPath); ok {
		if err := s.fs.Remove(localPath); err != nil {
			_ = s.fs.Remove(tmpPath)

			return fmt.Errorf("cannot replace %s: %w: %w", localPath, common.ErrTransfer, err)
		}
	}
	if err := s.fs.Rename(tmpPath, localPath); err != nil {
		_ = s.fs.Remove(tmpPath)

		return fmt.Errorf("cannot finalize %s: %w: %w", localPath, common.ErrTransfer, err)
	}

	s.log.Debug("Downloaded", slog.String("remote_path", remotePath), slog.Int64("bytes", n))

	return nil
}

func (s *Session) Close() error {
	return s.conn.Quit()
}

// copyWithContext copies src to dst checking for cancellation between
// buffers, so an interrupted run abandons the transfer promptly.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w < n {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func hostAddr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}

	return net.JoinHostPort(host, defaultPort)
}

// Opener hands out fresh authenticated sessions. Workers never pool or
// share them: one session per transfer.
type Opener struct {
	cfg *config.FTPConfig
	log *slog.Logger
}

func NewOpener(cfg *config.FTPConfig, log *slog.Logger) *Opener {
	return &Opener{
		cfg: cfg,
		log: log,
	}
}

func (o *Opener) Open(ctx context.Context) (*Session, error) {
	return Open(ctx, o.cfg, o.log)
}
