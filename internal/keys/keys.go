// Package keys loads segment decryption keys and decrypts AES-128 media.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agleyzer/hlsplay/internal/config"
	"github.com/agleyzer/hlsplay/internal/errs"
	"github.com/agleyzer/hlsplay/internal/loader"
	"github.com/agleyzer/hlsplay/internal/logging"
	"github.com/agleyzer/hlsplay/internal/scheduler"
	"github.com/agleyzer/hlsplay/internal/segment"
)

var (
	// ErrUnsupportedMethod is returned for methods other than AES-128.
	ErrUnsupportedMethod = errors.New("unsupported encryption method")
	// ErrBadPadding is returned when decrypted data has invalid PKCS#7 padding.
	ErrBadPadding = errors.New("invalid padding")
)

// Cache holds loaded keys by URI. It is shared by every controller of a
// session and only used on the scheduler goroutine.
type Cache struct {
	keys map[string][]byte
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{keys: make(map[string][]byte)}
}

// Get returns the key of uri.
func (c *Cache) Get(uri string) ([]byte, bool) {
	k, ok := c.keys[uri]
	return k, ok
}

// Put stores a key.
func (c *Cache) Put(uri string, key []byte) {
	c.keys[uri] = key
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	return len(c.keys)
}

// Loader fetches keys for one controller, retrying per the key policy.
type Loader struct {
	cache   *Cache
	factory loader.Factory
	sched   *scheduler.Scheduler
	policy  config.LoadPolicy
	logger  *slog.Logger

	ld    loader.Loader
	gen   uint64
	retry scheduler.Timer
}

// NewLoader creates a key loader backed by cache.
func NewLoader(cache *Cache, factory loader.Factory, sched *scheduler.Scheduler, policy config.LoadPolicy, logger *slog.Logger) *Loader {
	return &Loader{
		cache:   cache,
		factory: factory,
		sched:   sched,
		policy:  policy,
		logger:  logging.Component(logger, "keys"),
	}
}

// Cached returns the key of frag if it was loaded before.
func (l *Loader) Cached(frag *segment.Fragment) ([]byte, bool) {
	if !frag.Encrypted() {
		return nil, false
	}
	return l.cache.Get(frag.Key.URI)
}

// Load resolves the key of frag. done runs on the scheduler goroutine with
// the key, or with the error once retries are exhausted. A load in progress
// is abandoned.
func (l *Loader) Load(frag *segment.Fragment, done func(key []byte, err *errs.Error)) {
	l.Abort()
	gen := l.gen

	if frag.Key.Method != segment.MethodAES128 {
		e := errs.New(errs.KeySystem, errs.KeyLoadError, fmt.Errorf("%w: %s", ErrUnsupportedMethod, frag.Key.Method))
		e.Frag = frag
		e.URL = frag.Key.URI
		e.Fatal = true
		l.sched.Post(func() {
			if gen == l.gen {
				done(nil, e)
			}
		})
		return
	}
	if key, ok := l.cache.Get(frag.Key.URI); ok {
		l.sched.Post(func() {
			if gen == l.gen {
				done(key, nil)
			}
		})
		return
	}
	l.attempt(frag, 0, gen, done)
}

func (l *Loader) attempt(frag *segment.Fragment, count int, gen uint64, done func([]byte, *errs.Error)) {
	if l.ld == nil {
		l.ld = l.factory()
	}
	uri := frag.Key.URI

	fail := func(details errs.Details, err error, stats *loader.Stats) {
		timeout := details.IsTimeout()
		if loader.ShouldRetry(loader.RetryConfigFor(l.policy, timeout), count, timeout, err) {
			delay := loader.RetryConfigFor(l.policy, timeout).Delay(count)
			l.logger.Warn("key load failed, retrying", "uri", uri, "retry", count+1, "delay", delay, "error", err)
			l.retry = l.sched.After(delay, func() {
				if gen == l.gen {
					l.attempt(frag, count+1, gen, done)
				}
			})
			return
		}
		e := errs.New(errs.Network, details, err)
		e.Frag = frag
		e.URL = uri
		e.Code = loader.StatusCode(err)
		done(nil, e)
	}

	l.ld.Load(&loader.Context{URL: uri}, l.policy, loader.Callbacks{
		OnSuccess: func(resp *loader.Response, stats *loader.Stats, _ *loader.Context) {
			if gen != l.gen {
				return
			}
			if len(resp.Data) != 16 {
				e := errs.New(errs.KeySystem, errs.KeyLoadError, fmt.Errorf("key %s has %d bytes, want 16", uri, len(resp.Data)))
				e.Frag = frag
				e.URL = uri
				done(nil, e)
				return
			}
			l.cache.Put(uri, resp.Data)
			l.logger.Debug("key loaded", "uri", uri)
			done(resp.Data, nil)
		},
		OnError: func(err error, stats *loader.Stats, _ *loader.Context) {
			if gen == l.gen {
				fail(errs.KeyLoadError, err, stats)
			}
		},
		OnTimeout: func(stats *loader.Stats, _ *loader.Context) {
			if gen == l.gen {
				fail(errs.KeyLoadTimeout, loader.ErrTimeout, stats)
			}
		},
	})
}

// Abort cancels the load in progress and any pending retry.
func (l *Loader) Abort() {
	l.gen++
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	if l.ld != nil {
		l.ld.Abort()
	}
}

// Destroy aborts and releases the underlying loader.
func (l *Loader) Destroy() {
	l.Abort()
	if l.ld != nil {
		l.ld.Destroy()
		l.ld = nil
	}
}

// Decrypt decrypts AES-128-CBC data and strips the PKCS#7 padding.
func Decrypt(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv has %d bytes, want %d", len(iv), aes.BlockSize)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext of %d bytes is not block aligned", len(data))
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, ErrBadPadding
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, ErrBadPadding
		}
	}
	return out[:len(out)-pad], nil
}

// Encrypt is the inverse of Decrypt, used to produce encrypted fixtures.
func Encrypt(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	pad := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+pad)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}
