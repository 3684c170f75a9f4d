package healthmonitor

import (
	"context"

	ilog "github.com/sxweetlollipop2912/nfqueue-lb/x/log"
)

var driveLogger = ilog.Logger.With().Str("component", "healthmonitor.drive").Logger()

// Drive wires hm's healthy/unhealthy notifications to activate/
// deactivate — the same internal/control.Activate/Deactivate calls a
// CLI invocation would make — converting a numbered backend's health
// transition into its mark-space id (index+fwOffset) and issuing the
// matching coarse command. It never mutates the shared region any
// other way, so it cannot introduce a second, inconsistent write path
// (SPEC_FULL.md §6).
//
// hm must have been constructed with EnableHealthyChannel() and
// EnableUnhealthyChannel(). Drive returns once ctx is canceled.
func Drive(ctx context.Context, hm HealthMonitor, fwOffset int32, activate, deactivate func(ids ...int) error) error {
	healthyChan, err := hm.EnterHealthyChan()
	if err != nil {
		return err
	}
	unhealthyChan, err := hm.EnterUnhealthyChan()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case noti, ok := <-healthyChan:
			if !ok {
				return nil
			}
			id := int(fwOffset) + noti.Index
			if err := activate(id); err != nil {
				driveLogger.Err(err).Int("id", id).Msg("activate failed")
			} else {
				driveLogger.Info().Int("id", id).Msg("activated backend after healthy transition")
			}
		case noti, ok := <-unhealthyChan:
			if !ok {
				return nil
			}
			id := int(fwOffset) + noti.Index
			if err := deactivate(id); err != nil {
				driveLogger.Err(err).Int("id", id).Msg("deactivate failed")
			} else {
				driveLogger.Info().Int("id", id).Msg("deactivated backend after unhealthy transition")
			}
		}
	}
}
