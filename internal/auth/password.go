package auth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// Hasher hashes and verifies passwords with bcrypt.
type Hasher struct {
	Cost int
}

// NewHasher clamps cost to the range bcrypt accepts; zero or negative means
// bcrypt.DefaultCost.
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Hasher{Cost: cost}
}

func (h *Hasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare returns nil when password matches hash.
func (h *Hasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// HashPool bounds how many bcrypt operations run at once. Waiting for a slot
// honours ctx.
type HashPool struct {
	hasher *Hasher
	sem    *semaphore.Weighted

	dummyOnce sync.Once
	dummy     string
	dummyErr  error
}

func NewHashPool(hasher *Hasher, workers int) *HashPool {
	if workers <= 0 {
		workers = 1
	}
	return &HashPool{
		hasher: hasher,
		sem:    semaphore.NewWeighted(int64(workers)),
	}
}

func (p *HashPool) Hash(ctx context.Context, password string) (string, error) {
	const op = "auth.HashPool.Hash"

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer p.sem.Release(1)

	hash, err := p.hasher.Hash(password)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return hash, nil
}

// Compare reports whether password matches hash. The error is only set when
// no slot could be acquired.
func (p *HashPool) Compare(ctx context.Context, hash, password string) (bool, error) {
	const op = "auth.HashPool.Compare"

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	defer p.sem.Release(1)

	return p.hasher.Compare(hash, password) == nil, nil
}

// CompareDummy spends the same work as Compare against a hash no password
// matches. Used when the account does not exist.
func (p *HashPool) CompareDummy(ctx context.Context, password string) error {
	const op = "auth.HashPool.CompareDummy"

	p.dummyOnce.Do(func() {
		secret, err := RandomToken(SecretBytes)
		if err != nil {
			p.dummyErr = err
			return
		}
		p.dummy, p.dummyErr = p.hasher.Hash(secret)
	})
	if p.dummyErr != nil {
		return fmt.Errorf("%s: %w", op, p.dummyErr)
	}

	_, err := p.Compare(ctx, p.dummy, password)
	return err
}
