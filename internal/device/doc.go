// Package device owns the device catalogue and its status lifecycle.
//
// Devices are registered automatically on the first event from an unknown
// device UUID, then move through the status state machine as connectivity
// and maintenance events arrive:
//
//	             ┌────────────┐
//	             │ REGISTERED │
//	             └─────┬──────┘
//	                   ▼
//	  ┌──────────┐  ┌────────┐  ┌─────────┐
//	  │  ERROR   │◀▶│ ONLINE │◀▶│ OFFLINE │
//	  └──────────┘  └────────┘  └─────────┘
//	        │            ▲           │
//	        ▼            │           ▼
//	       ┌──────────────────────────┐
//	       │       MAINTENANCE        │
//	       └──────────────────────────┘
//
//	  every non-terminal status ──▶ DECOMMISSIONED (terminal)
//
// No status may transition to itself. Transitions the table rejects are
// skipped by the processing pipeline rather than failing the event.
//
// # Key Types
//
//   - Device: the persisted catalogue entry
//   - SQLRepository: queries that run on a caller-supplied transaction
//   - Registry: cached device snapshots, refreshed after commit
//
// # Usage
//
//	repo := device.NewSQLRepository()
//	err := db.WithinTx(ctx, func(ctx context.Context, tx *database.Tx) error {
//	    dev, err := repo.GetByUUID(ctx, tx, "reader-17")
//	    if err != nil {
//	        return err
//	    }
//	    if err := device.ValidateTransition(dev.Status, device.StatusOnline); err != nil {
//	        return err
//	    }
//	    return repo.UpdateStatus(ctx, tx, dev.ID, device.StatusOnline)
//	})
package device
