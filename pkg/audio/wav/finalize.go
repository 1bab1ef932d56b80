package wav

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrFinalize wraps every failure of [Finalize].
var ErrFinalize = errors.New("wav: finalize failed")

// partSuffix marks a final file that is still being written.
const partSuffix = ".part"

// Result describes a finalized WAV file.
type Result struct {
	Path     string
	Header   Header
	FileSize int64
}

// Finalize copies the raw PCM at tempPath into a WAV file at finalPath,
// prefixed with a header for format f whose data length is the size of the
// temp file.
//
// The file is assembled at finalPath+".part" and renamed into place, so
// finalPath either does not exist or holds a complete file. On failure the
// partial file is removed and tempPath is left untouched; on success the
// caller deletes tempPath. All errors wrap [ErrFinalize].
func Finalize(ctx context.Context, tempPath, finalPath string, f Format) (Result, error) {
	res, err := finalize(ctx, tempPath, finalPath, f)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrFinalize, finalPath, err)
	}
	return res, nil
}

func finalize(ctx context.Context, tempPath, finalPath string, f Format) (Result, error) {
	if err := f.Validate(); err != nil {
		return Result{}, err
	}
	in, err := os.Open(tempPath)
	if err != nil {
		return Result{}, err
	}
	defer in.Close()

	st, err := in.Stat()
	if err != nil {
		return Result{}, err
	}
	total := st.Size()
	if total > maxDataSize {
		return Result{}, fmt.Errorf("recording of %d bytes exceeds the WAV size limit", total)
	}

	part := finalPath + partSuffix
	out, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Result{}, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = out.Close()
			_ = os.Remove(part)
		}
	}()

	w := bufio.NewWriter(out)
	if err := WriteHeader(w, total, f.SampleRate, f.Channels, f.BitsPerSample); err != nil {
		return Result{}, err
	}
	n, err := io.Copy(w, &ctxReader{ctx: ctx, r: in})
	if err != nil {
		return Result{}, fmt.Errorf("copy audio: %w", err)
	}
	if n != total {
		return Result{}, fmt.Errorf("copied %d of %d bytes: %w", n, total, io.ErrShortWrite)
	}
	if err := w.Flush(); err != nil {
		return Result{}, err
	}
	if err := out.Sync(); err != nil {
		return Result{}, err
	}
	if err := out.Close(); err != nil {
		return Result{}, err
	}
	if err := os.Rename(part, finalPath); err != nil {
		return Result{}, err
	}
	ok = true

	return Result{
		Path:     finalPath,
		Header:   NewHeader(total, f),
		FileSize: HeaderSize + total,
	}, nil
}

// ctxReader aborts a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
