// queue.go
//
// Redis-backed async mail queue. QueuedMailer implements Mailer by pushing jobs onto a
// Redis list; StartWorker drains it in the background and hands each job to the inner Mailer.
// Secrets (reset tokens, verification codes) are AES-GCM sealed while they sit in Redis.
package mail

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueKey is the Redis list used as the outbound mail queue.
const QueueKey = "warden:mail:queue"

// DefaultMaxQueueSize caps the queue so a dead SMTP relay cannot grow it without bound.
const DefaultMaxQueueSize int64 = 1000

// ErrQueueFull is returned when the queue has reached its cap.
var ErrQueueFull = errors.New("mail queue full")

const (
	jobPasswordReset    = "password_reset"
	jobVerificationCode = "verification_code"
)

// EmailJob is the JSON payload pushed onto the queue.
// Secret is base64(nonce || ciphertext) when the queue has a key, plaintext otherwise.
type EmailJob struct {
	Type      string            `json:"type"`
	ToEmail   string            `json:"to_email"`
	Secret    string            `json:"secret"`
	Sealed    bool              `json:"sealed,omitempty"`
	ExpiresIn int64             `json:"expires_in"` // nanoseconds
	Vars      map[string]string `json:"vars,omitempty"`
}

// QueuedMailer enqueues jobs so request handlers never wait on SMTP.
type QueuedMailer struct {
	inner        Mailer
	rdb          *redis.Client
	maxQueueSize int64  // 0 = unlimited
	key          []byte // 32-byte AES key; nil stores secrets in the clear
}

// NewQueuedMailer wraps inner. key must be nil or 32 bytes.
func NewQueuedMailer(inner Mailer, rdb *redis.Client, maxSize int64, key []byte) (*QueuedMailer, error) {
	if key != nil && len(key) != 32 {
		return nil, fmt.Errorf("mail queue key must be 32 bytes, got %d", len(key))
	}
	return &QueuedMailer{inner: inner, rdb: rdb, maxQueueSize: maxSize, key: key}, nil
}

// enqueueScript pushes ARGV[2] onto KEYS[1] unless the list already holds ARGV[1] items.
// Returns 1 if pushed, 0 if full.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// SendPasswordReset implements Mailer.
func (q *QueuedMailer) SendPasswordReset(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error {
	return q.enqueue(ctx, jobPasswordReset, toEmail, token, expiresIn, vars)
}

// SendVerificationCode implements Mailer.
func (q *QueuedMailer) SendVerificationCode(ctx context.Context, toEmail, code string, expiresIn time.Duration, vars map[string]string) error {
	return q.enqueue(ctx, jobVerificationCode, toEmail, code, expiresIn, vars)
}

func (q *QueuedMailer) enqueue(ctx context.Context, jobType, toEmail, secret string, expiresIn time.Duration, vars map[string]string) error {
	job := EmailJob{Type: jobType, ToEmail: toEmail, Secret: secret, ExpiresIn: int64(expiresIn), Vars: vars}
	if q.key != nil {
		sealed, err := encryptToken(q.key, []byte(secret))
		if err != nil {
			return fmt.Errorf("sealing email secret: %w", err)
		}
		job.Secret = base64.StdEncoding.EncodeToString(sealed)
		job.Sealed = true
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling email job: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{QueueKey}, q.maxQueueSize, data).Int64()
	if err != nil {
		return fmt.Errorf("enqueuing email job: %w", err)
	}
	if ok == 0 {
		return ErrQueueFull
	}
	return nil
}

// StartWorker drains the queue until ctx is cancelled. Call in a goroutine.
func (q *QueuedMailer) StartWorker(ctx context.Context) {
	for {
		// BLPop times out every 2s so ctx cancellation is noticed without spinning.
		res, err := q.rdb.BLPop(ctx, 2*time.Second, QueueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, redis.Nil) {
				slog.Error("mail worker: queue pop failed", "error", err)
			}
			continue
		}
		var job EmailJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			slog.Error("mail worker: bad job payload", "error", err)
			continue
		}
		q.dispatch(ctx, job)
	}
}

// dispatch opens the secret and calls the matching inner method. Failures are logged, not retried.
func (q *QueuedMailer) dispatch(ctx context.Context, job EmailJob) {
	secret := job.Secret
	if job.Sealed {
		raw, err := base64.StdEncoding.DecodeString(job.Secret)
		if err == nil {
			var opened []byte
			opened, err = decryptToken(q.key, raw)
			secret = string(opened)
		}
		if err != nil {
			slog.Error("mail worker: cannot open job secret", "type", job.Type, "error", err)
			return
		}
	}

	expiresIn := time.Duration(job.ExpiresIn)
	var err error
	switch job.Type {
	case jobPasswordReset:
		err = q.inner.SendPasswordReset(ctx, job.ToEmail, secret, expiresIn, job.Vars)
	case jobVerificationCode:
		err = q.inner.SendVerificationCode(ctx, job.ToEmail, secret, expiresIn, job.Vars)
	default:
		slog.Error("mail worker: unknown job type", "type", job.Type)
		return
	}
	if err != nil {
		slog.Error("mail worker: send failed", "type", job.Type, "to", job.ToEmail, "error", err)
	}
}

// encryptToken seals plaintext with AES-256-GCM. Output is nonce || ciphertext.
func encryptToken(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decryptToken reverses encryptToken.
func decryptToken(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening ciphertext: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return gcm, nil
}
