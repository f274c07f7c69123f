package recov

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"recov-go/internal/digest"
)

// errConsumerStopped closes pipes once the consuming side is done, so the
// producing goroutines unblock without reporting a failure of their own.
var errConsumerStopped = errors.New("consumer stopped")

// encoding describes how an object's bytes were transformed before storage.
type encoding struct {
	compress bool
	encrypt  bool
}

// encoded is the outcome of staging one payload.
type encoded struct {
	handle string
	stored int64  // bytes staged, as they will be sent to the vault
	sum    string // digest of the plaintext actually read
	size   int64  // plaintext bytes read
}

// ctxReader fails reads once ctx is done so long copies notice cancellation.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// sourceReader tags read failures of the plaintext source so they can be
// told apart from failures further down the pipeline.
type sourceReader struct {
	path string
	r    io.Reader
}

func (s sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		return n, NewError(KindSourceUnreadable, s.path, err)
	}
	return n, err
}

// markedWriter tags failures of the final destination.
type markedWriter struct {
	w   io.Writer
	err error
}

func (m *markedWriter) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	if err != nil && m.err == nil {
		m.err = err
	}
	return n, err
}

// encodePayload streams r through the optional zstd and age stages into the
// staging area. The digest covers exactly the plaintext bytes read from r.
func (s *Service) encodePayload(ctx context.Context, path string, r io.Reader, enc encoding) (*encoded, error) {
	if enc.encrypt && s.encryptor == nil {
		return nil, NewError(KindEncryptionKeyUnavailable, path, nil)
	}
	h := digest.New()
	counter := &countingWriter{}
	var src io.Reader = io.TeeReader(ctxReader{ctx, sourceReader{path, r}}, io.MultiWriter(h, counter))

	var g errgroup.Group
	var readers []*io.PipeReader

	if enc.compress {
		pr, pw := io.Pipe()
		in := src
		g.Go(func() error {
			err := compressTo(pw, in)
			pw.CloseWithError(err)
			return filterStopped(err)
		})
		readers = append(readers, pr)
		src = pr
	}

	if enc.encrypt {
		pr, pw := io.Pipe()
		in := src
		g.Go(func() error {
			err := s.encryptor.Encrypt(in, pw)
			if err != nil {
				err = fmt.Errorf("encrypting: %w", err)
			}
			pw.CloseWithError(err)
			return filterStopped(err)
		})
		readers = append(readers, pr)
		src = pr
	}

	handle, stored, stageErr := s.staging.Stage(src)
	for _, pr := range readers {
		pr.CloseWithError(errConsumerStopped)
	}
	pipeErr := g.Wait()

	if err := firstError(ctx, stageErr, pipeErr); err != nil {
		if handle != "" {
			s.staging.Remove(handle)
		}
		if KindOf(err) != "" {
			return nil, err
		}
		if errors.Is(err, ErrStagingFull) {
			return nil, classifyWrite(path, err)
		}
		if stageErr != nil && pipeErr == nil {
			return nil, classifyWrite(path, fmt.Errorf("staging: %w", stageErr))
		}
		return nil, NewError(KindWriteFailed, path, err)
	}

	return &encoded{
		handle: handle,
		stored: stored,
		sum:    digest.Sum(h),
		size:   counter.n,
	}, nil
}

func compressTo(w io.Writer, r io.Reader) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	if _, err := io.Copy(zw, r); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalizing zstd stream: %w", err)
	}
	return nil
}

// decodeObject fetches the object under key and writes its plaintext to dst.
// Failures are classified: Missing when the vault has no such object,
// DecryptFailed and CorruptArchive for undecodable content, WriteFailed when
// dst rejects the data, Cancelled when ctx ends first.
func (s *Service) decodeObject(ctx context.Context, path, key string, enc encoding, dec DecryptionContext, dst io.Writer) error {
	if enc.encrypt && dec == nil {
		return NewError(KindEncryptionKeyUnavailable, path, nil)
	}

	var g errgroup.Group
	var readers []*io.PipeReader

	fetchR, fetchW := io.Pipe()
	g.Go(func() error {
		err := s.vault.GetContent(key, fetchW)
		switch {
		case err == nil:
		case errors.Is(err, ErrContentNotFound):
			err = NewError(KindMissing, path, err)
		case !errors.Is(err, errConsumerStopped):
			err = NewError(KindCorruptArchive, path, fmt.Errorf("reading object: %w", err))
		}
		fetchW.CloseWithError(err)
		return filterStopped(err)
	})
	readers = append(readers, fetchR)
	var src io.Reader = fetchR

	if enc.encrypt {
		pr, pw := io.Pipe()
		in := src
		g.Go(func() error {
			err := dec.Decrypt(in, pw)
			if err != nil && KindOf(err) == "" && !errors.Is(err, errConsumerStopped) {
				err = NewError(KindDecryptFailed, path, err)
			}
			pw.CloseWithError(err)
			return filterStopped(err)
		})
		readers = append(readers, pr)
		src = pr
	}

	var zr *zstd.Decoder
	if enc.compress {
		var err error
		zr, err = zstd.NewReader(src)
		if err != nil {
			for _, pr := range readers {
				pr.CloseWithError(errConsumerStopped)
			}
			g.Wait()
			return NewError(KindCorruptArchive, path, err)
		}
		src = zr
	}

	out := &markedWriter{w: dst}
	_, copyErr := io.Copy(out, ctxReader{ctx, src})
	if zr != nil {
		zr.Close()
	}
	for _, pr := range readers {
		pr.CloseWithError(errConsumerStopped)
	}
	pipeErr := g.Wait()

	if ctx.Err() != nil {
		return NewError(KindCancelled, path, ctx.Err())
	}
	if out.err != nil {
		return classifyWrite(path, out.err)
	}
	if pipeErr != nil {
		return pipeErr
	}
	if copyErr != nil {
		if KindOf(copyErr) != "" {
			return copyErr
		}
		return NewError(KindCorruptArchive, path, copyErr)
	}
	return nil
}

// firstError picks the most meaningful failure of a pipeline run.
func firstError(ctx context.Context, errs ...error) error {
	if err := ctx.Err(); err != nil {
		return NewError(KindCancelled, "", err)
	}
	for _, err := range errs {
		if err != nil && KindOf(err) != "" {
			return err
		}
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func filterStopped(err error) error {
	if errors.Is(err, errConsumerStopped) {
		return nil
	}
	return err
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
