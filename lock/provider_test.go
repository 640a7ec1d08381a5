package lock

import (
	"context"
	"sync"
	"time"
)

// fakeProvider is an in-memory Provider that counts calls and can be told
// to fail or stall on specific keys.
type fakeProvider struct {
	mu       sync.Mutex
	holders  map[string]string
	errs     map[string]error
	stall    map[string]bool
	acquires []string
	releases []string
	tryCalls int
	relCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		holders: make(map[string]string),
		errs:    make(map[string]error),
		stall:   make(map[string]bool),
	}
}

func (p *fakeProvider) take(key, token string) (ok, done bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs[key]; err != nil {
		return false, true, err
	}
	if p.stall[key] {
		return false, false, nil
	}
	if _, held := p.holders[key]; held {
		return false, false, nil
	}
	p.holders[key] = token
	p.acquires = append(p.acquires, key)
	return true, true, nil
}

func (p *fakeProvider) TryAcquire(ctx context.Context, key, token string, waitTime, _ time.Duration) (bool, error) {
	p.mu.Lock()
	p.tryCalls++
	p.mu.Unlock()

	deadline := time.Now().Add(waitTime)
	for {
		ok, done, err := p.take(key, token)
		if done {
			return ok, err
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (p *fakeProvider) Lock(ctx context.Context, key, token string, _ time.Duration) error {
	for {
		ok, done, err := p.take(key, token)
		if done && ok {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (p *fakeProvider) Release(_ context.Context, key, token string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.relCalls++
	if p.holders[key] != token {
		return false, nil
	}
	delete(p.holders, key)
	p.releases = append(p.releases, key)
	return true, nil
}

func (p *fakeProvider) IsHeld(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.holders[key]
	return ok, nil
}

func (p *fakeProvider) hold(key, token string) {
	p.mu.Lock()
	p.holders[key] = token
	p.mu.Unlock()
}

func (p *fakeProvider) held(key string) bool {
	ok, _ := p.IsHeld(context.Background(), key)
	return ok
}

func (p *fakeProvider) counts() (try, rel int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tryCalls, p.relCalls
}

func (p *fakeProvider) released() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.releases...)
}

// fakeJointProvider adds an atomic multi-key primitive.
type fakeJointProvider struct {
	*fakeProvider
	jointCalls   [][]string
	jointRelease [][]string
}

func newFakeJointProvider() *fakeJointProvider {
	return &fakeJointProvider{fakeProvider: newFakeProvider()}
}

func (p *fakeJointProvider) TryAcquireJoint(ctx context.Context, keys []string, token string, waitTime, _ time.Duration) (bool, error) {
	deadline := time.Now().Add(waitTime)
	for {
		p.mu.Lock()
		p.jointCalls = append(p.jointCalls, keys)
		free := true
		for _, k := range keys {
			if _, ok := p.holders[k]; ok {
				free = false
				break
			}
		}
		if free {
			for _, k := range keys {
				p.holders[k] = token
			}
			p.mu.Unlock()
			return true, nil
		}
		p.mu.Unlock()
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (p *fakeJointProvider) ReleaseJoint(_ context.Context, keys []string, token string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jointRelease = append(p.jointRelease, keys)
	for _, k := range keys {
		if p.holders[k] != token {
			return false, nil
		}
	}
	for _, k := range keys {
		delete(p.holders, k)
	}
	return true, nil
}
