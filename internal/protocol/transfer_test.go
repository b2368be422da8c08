package protocol

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/high-horse/fingerprint-fleet/internal/devicetest"
	"github.com/high-horse/fingerprint-fleet/internal/fingerprint"
	"github.com/high-horse/fingerprint-fleet/internal/store"
)

type memTemplates struct {
	mu   sync.Mutex
	data map[int]fingerprint.Template
}

func newMemTemplates() *memTemplates {
	return &memTemplates{data: make(map[int]fingerprint.Template)}
}

func (m *memTemplates) Put(_ context.Context, id int, tpl fingerprint.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[id] = append(fingerprint.Template(nil), tpl...)
	return nil
}

func (m *memTemplates) Get(_ context.Context, id int) (fingerprint.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tpl, ok := m.data[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", store.ErrTemplateNotFound, id)
	}
	return tpl, nil
}

func pattern(n int) fingerprint.Template {
	tpl := make(fingerprint.Template, n)
	for i := range tpl {
		tpl[i] = byte(i % 251)
	}
	return tpl
}

func TestUploadStoresExactTemplate(t *testing.T) {
	tpl := pattern(fingerprint.TemplateSize)
	dev := devicetest.Start(t, func(d *devicetest.Device, c *devicetest.Conn) {
		cmd, _ := c.ReadLine()
		d.Record(cmd)
		c.Send("OK: sending template")
		// split the blob to exercise partial reads
		c.Write(tpl[:700])
		c.Write(tpl[700:])
	})

	sink := newMemTemplates()
	res, err := newTestClient().Upload(context.Background(), dev.Addr(), 12, sink)
	require.NoError(t, err)
	assert.Equal(t, fingerprint.TemplateSize, res.Bytes)
	assert.Equal(t, []string{"UPLOAD_TEMPLATE,12"}, dev.Commands())

	got, err := sink.Get(context.Background(), 12)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(tpl, got))
}

func TestUploadTruncated(t *testing.T) {
	dev := devicetest.Start(t, func(d *devicetest.Device, c *devicetest.Conn) {
		c.ReadLine()
		c.Send("OK: sending template")
		c.Write(pattern(1000))
	})

	sink := newMemTemplates()
	res, err := newTestClient().Upload(context.Background(), dev.Addr(), 3, sink)
	assert.ErrorIs(t, err, ErrSizeMismatch)
	assert.Contains(t, err.Error(), "1000 of 1668")
	assert.Equal(t, 1000, res.Bytes)
	assert.Empty(t, sink.data)
}

func TestUploadRejectedAck(t *testing.T) {
	dev := devicetest.Start(t, devicetest.Respond("ERROR: model 3 is empty"))

	sink := newMemTemplates()
	res, err := newTestClient().Upload(context.Background(), dev.Addr(), 3, sink)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, "ERROR: model 3 is empty", res.Text())
	assert.Empty(t, sink.data)
}

func TestDownloadWrongSizeNeverDials(t *testing.T) {
	dev := devicetest.Start(t, devicetest.Respond("OK"))

	src := newMemTemplates()
	src.data[5] = pattern(1000)

	_, err := newTestClient().Download(context.Background(), dev.Addr(), 5, src)
	assert.ErrorIs(t, err, ErrSizeMismatch)
	assert.Zero(t, dev.Accepted())
}

func TestDownloadMissingTemplate(t *testing.T) {
	dev := devicetest.Start(t, devicetest.Respond("OK"))

	_, err := newTestClient().Download(context.Background(), dev.Addr(), 5, newMemTemplates())
	assert.ErrorIs(t, err, store.ErrTemplateNotFound)
	assert.Zero(t, dev.Accepted())
}

func TestDownloadWritesTemplate(t *testing.T) {
	tpl := pattern(fingerprint.TemplateSize)
	received := make(chan []byte, 1)
	dev := devicetest.Start(t, func(d *devicetest.Device, c *devicetest.Conn) {
		cmd, _ := c.ReadLine()
		d.Record(cmd)
		c.Send("OK: ready for template")
		data, err := c.ReadN(fingerprint.TemplateSize)
		if err != nil {
			return
		}
		received <- data
		c.Send("INFO: writing flash", "SUCCESS: template stored")
	})

	src := newMemTemplates()
	src.data[8] = tpl

	res, err := newTestClient().Download(context.Background(), dev.Addr(), 8, src)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, fingerprint.TemplateSize, res.Bytes)
	assert.Equal(t, []string{"DOWNLOAD_TEMPLATE,8"}, dev.Commands())
	assert.True(t, bytes.Equal(tpl, <-received))
}

func TestDownloadDeviceError(t *testing.T) {
	dev := devicetest.Start(t, func(d *devicetest.Device, c *devicetest.Conn) {
		c.ReadLine()
		c.Send("OK")
		c.ReadN(fingerprint.TemplateSize)
		c.Send("ERROR: flash write failed")
	})

	src := newMemTemplates()
	src.data[1] = pattern(fingerprint.TemplateSize)

	_, err := newTestClient().Download(context.Background(), dev.Addr(), 1, src)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDownloadWithoutCompletion(t *testing.T) {
	dev := devicetest.Start(t, func(d *devicetest.Device, c *devicetest.Conn) {
		c.ReadLine()
		c.Send("OK")
		c.ReadN(fingerprint.TemplateSize)
	})

	src := newMemTemplates()
	src.data[1] = pattern(fingerprint.TemplateSize)

	_, err := newTestClient().Download(context.Background(), dev.Addr(), 1, src)
	assert.ErrorIs(t, err, ErrProtocol)
}
