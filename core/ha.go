package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/openbao/openbao/sdk/v2/helper/consts"

	"github.com/stephnangue/walletd/config"
	"github.com/stephnangue/walletd/logger"
	"github.com/stephnangue/walletd/physical"
)

const (
	// coreLockPath is the HA lock key; the lock value is the redirect
	// address of the node that holds it.
	coreLockPath = "core/lock"

	// lockRetryInterval is the interval we re-attempt a lock acquisition
	// if an error occurs
	lockRetryInterval = 10 * time.Second
)

// StandbyReadsEnabled returns true if standby reads are enabled and supported
// by the physical backend
func (c *Core) StandbyReadsEnabled() bool {
	if _, ok := c.underlyingPhysical.(physical.CacheInvalidationBackend); !ok {
		return false
	}

	conf := c.rawConfig.Load()
	if conf == nil {
		return false
	}
	return !conf.(*config.Config).DisableStandbyReads
}

// Leader is used to get information about the current active leader in
// relation to the current node (core). It acquires a read lock on the
// Core's state lock, so it must not be called while that lock is already
// held, e.g. from within request handling.
func (c *Core) Leader() (isLeader bool, leaderAddr, clusterAddr string, err error) {
	// HA is set up on startup and never modified, so this check needs no lock
	if c.ha == nil {
		return false, "", "", ErrHANotEnabled
	}

	if c.Sealed() {
		return false, "", "", consts.ErrSealed
	}

	c.stateLock.RLock()
	defer c.stateLock.RUnlock()

	return c.LeaderLocked()
}

func (c *Core) LeaderLocked() (isLeader bool, leaderAddr, clusterAddr string, err error) {
	if c.ha == nil {
		return false, "", "", ErrHANotEnabled
	}

	if !c.standby.Load() {
		return true, c.redirectAddr, c.ClusterAddr(), nil
	}

	// Ask the lock who holds it; the value is the active node's redirect
	// address.
	lock, err := c.ha.LockWith(coreLockPath, c.redirectAddr)
	if err != nil {
		return false, "", "", err
	}
	held, value, err := lock.Value()
	if err != nil {
		return false, "", "", err
	}
	if !held {
		return false, "", "", nil
	}
	return false, value, "", nil
}

// ClusterAddr returns the cluster address this node advertises, if any.
func (c *Core) ClusterAddr() string {
	addr := c.clusterAddr.Load()
	if addr == nil {
		return ""
	}
	return addr.(string)
}

// StepDown is used to step down from leadership, triggering the standby
// loop to give up the HA lock and re-enter the election.
func (c *Core) StepDown() error {
	if c.ha == nil {
		return ErrHANotEnabled
	}
	if c.Sealed() {
		return consts.ErrSealed
	}

	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	if c.standby.Load() {
		return nil
	}

	select {
	case c.manualStepDownCh <- struct{}{}:
	default:
		c.logger.Warn("manual step-down operation already queued")
	}
	return nil
}

// runStandby is the long-running routine of an HA node. It campaigns for
// the HA lock, runs active duty while the lock is held, and steps back to
// standby when leadership is lost, revoked, or manually stepped down.
func (c *Core) runStandby(doneCh, manualStepDownCh, stopCh chan struct{}) {
	defer close(doneCh)
	defer close(manualStepDownCh)

	c.logger.Info("entering standby mode")

	for {
		// Check for a shutdown
		select {
		case <-stopCh:
			return
		default:
		}

		lock, err := c.ha.LockWith(coreLockPath, c.redirectAddr)
		if err != nil {
			c.logger.Error("failed to create HA lock", logger.Err(err))
			return
		}

		// Attempt the acquisition; a nil channel means we were told to stop
		leaderLostCh := c.acquireLock(lock, stopCh)
		if leaderLostCh == nil {
			return
		}

		c.logger.Info("acquired lock, enabling active operation")

		c.stateLock.Lock()
		c.heldHALock = lock

		// Register the lock for write fencing when the backend supports it
		if fba, ok := c.underlyingPhysical.(physical.FencingHABackend); ok {
			err = fba.RegisterActiveNodeLock(lock)
		}
		if err == nil {
			ctx, ctxCancel := context.WithCancel(context.Background())
			err = c.postUnseal(ctx, ctxCancel, standardUnsealStrategy{})
			if err == nil {
				c.standby.Store(false)
			}
		}
		c.stateLock.Unlock()

		if err != nil {
			c.logger.Error("active duty setup failed", logger.Err(err))
			c.heldHALock = nil
			if unlockErr := lock.Unlock(); unlockErr != nil {
				c.logger.Error("failed to release HA lock", logger.Err(unlockErr))
			}

			select {
			case <-time.After(lockRetryInterval):
				continue
			case <-stopCh:
				return
			}
		}

		// Hold active duty until something takes it away
		stop := false
		select {
		case <-leaderLostCh:
			c.logger.Warn("leadership lost, stopping active operation")
		case <-stopCh:
			stop = true
		case <-manualStepDownCh:
			c.logger.Warn("stepping down from active operation to standby")
		}

		c.stateLock.Lock()
		c.standby.Store(true)
		if err := c.preSeal(); err != nil {
			c.logger.Error("pre-seal teardown failed", logger.Err(err))
		}
		c.stateLock.Unlock()

		// Give up leadership unless a step-down explicitly kept the lock
		if atomic.LoadUint32(c.keepHALockOnStepDown) == 0 {
			c.heldHALock = nil
			if err := lock.Unlock(); err != nil {
				c.logger.Error("failed to release HA lock", logger.Err(err))
			}
		}

		if stop {
			return
		}
	}
}

// acquireLock blocks until the lock is held or stopCh fires, retrying on
// transient errors. A nil return means the caller should stop.
func (c *Core) acquireLock(lock physical.Lock, stopCh <-chan struct{}) <-chan struct{} {
	for {
		leaderLostCh, err := lock.Lock(stopCh)
		if err == nil {
			return leaderLostCh
		}

		c.logger.Error("failed to acquire lock", logger.Err(err))
		select {
		case <-time.After(lockRetryInterval):
		case <-stopCh:
			return nil
		}
	}
}
