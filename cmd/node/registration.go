package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"BioMod/client"
	"BioMod/internal/api"
	"BioMod/internal/config"
	"BioMod/internal/logger"
	"BioMod/internal/registry"
)

// registerWithBootstrap sends our signed registration to every bootstrap node
// and adopts the validators each of them already knows.
func (n *Node) registerWithBootstrap(ctx context.Context) error {
	if len(n.cfg.Bootstrap) == 0 {
		return nil
	}

	reg := registry.SignRegistration(n.priv, n.key, n.selfInfo())

	var errs []error

	for _, addr := range n.cfg.Bootstrap {
		if err := n.registerWith(ctx, addr, reg); err != nil {
			errs = append(errs, fmt.Errorf("%s:\n%w", addr, err))
		}
	}

	return errors.Join(errs...)
}

// registerWith registers at one bootstrap node and imports its validator list.
func (n *Node) registerWith(ctx context.Context, addr string, reg registry.Registration) error {
	c := client.New(addr, 10*time.Second)

	logger.Info("registering as validator", "target", addr)

	err := c.Register(ctx, reg)

	var apiErr *client.APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict) {
		return fmt.Errorf("register:\n%w", err)
	}

	views, err := c.Validators(ctx)
	if err != nil {
		return fmt.Errorf("list validators:\n%w", err)
	}

	adopted := 0
	for _, v := range views {
		info, err := validatorFromView(v)
		if err != nil {
			logger.Warn("skipping malformed validator", "target", addr, "error", err)
			continue
		}

		if info.ID == n.id {
			continue
		}

		if err := n.registry.Register(info, time.Now()); err != nil {
			if !errors.Is(err, registry.ErrAlreadyRegistered) {
				logger.Warn("validator not adopted", "validator", v.ID[:16], "error", err)
			}
			continue
		}

		adopted++

		if n.cfg.Transport == config.TransportQUIC {
			go n.connectToValidator(info)
		}
	}

	logger.Info("registration complete", "target", addr, "adopted", adopted)

	return nil
}

// validatorFromView decodes a validator listed by another node.
func validatorFromView(v api.ValidatorView) (registry.ValidatorInfo, error) {
	info := registry.ValidatorInfo{
		Address:  v.Address,
		Stake:    v.Stake,
		Hardware: v.Hardware,
	}

	id, err := hex.DecodeString(v.ID)
	if err != nil || len(id) != len(info.ID) {
		return info, fmt.Errorf("invalid id %q", v.ID)
	}
	copy(info.ID[:], id)

	bls, err := hex.DecodeString(v.BLSPubkey)
	if err != nil || len(bls) != len(info.BLSPubkey) {
		return info, fmt.Errorf("invalid bls pubkey for %s", v.ID)
	}
	copy(info.BLSPubkey[:], bls)

	return info, nil
}
