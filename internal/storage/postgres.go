package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
)

// PostgresStore implements Store on database/sql. Transitions are conditional
// UPDATEs (the WHERE clause re-checks the precondition) inside one SQL
// transaction, so a racing pass sees RowsAffected == 0 instead of clobbering
// the winner.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ride_requests (
			id, passenger_id, passenger_name, passenger_phone,
			pickup_address, pickup_lat, pickup_lon,
			dest_address, dest_lat, dest_lon,
			service_type, surge_multiplier, estimated_price,
			estimated_distance_km, estimated_duration_min,
			status, declined_by, requested_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		r.ID, r.PassengerID, r.PassengerName, r.PassengerPhone,
		r.Pickup.Address, r.Pickup.Lat, r.Pickup.Lon,
		r.Destination.Address, r.Destination.Lat, r.Destination.Lon,
		r.ServiceType, r.SurgeMultiplier, r.EstimatedPrice,
		r.EstimatedDistanceKm, r.EstimatedDurationMin,
		string(r.Status), pq.Array(r.DeclinedBy), r.RequestedAt, r.UpdatedAt,
	)
	return err
}

const requestColumns = `
	id, passenger_id, passenger_name, passenger_phone,
	pickup_address, pickup_lat, pickup_lon,
	dest_address, dest_lat, dest_lon,
	service_type, surge_multiplier, estimated_price,
	estimated_distance_km, estimated_duration_min,
	status, offered_to_driver_id, offer_expires_at, declined_by,
	requested_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.RideRequest, error) {
	var r models.RideRequest
	var phone, offeredTo sql.NullString
	var expiresAt sql.NullTime
	var declined pq.StringArray
	err := row.Scan(
		&r.ID, &r.PassengerID, &r.PassengerName, &phone,
		&r.Pickup.Address, &r.Pickup.Lat, &r.Pickup.Lon,
		&r.Destination.Address, &r.Destination.Lat, &r.Destination.Lon,
		&r.ServiceType, &r.SurgeMultiplier, &r.EstimatedPrice,
		&r.EstimatedDistanceKm, &r.EstimatedDurationMin,
		&r.Status, &offeredTo, &expiresAt, &declined,
		&r.RequestedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.PassengerPhone = phone.String
	r.OfferedToDriverID = offeredTo.String
	if expiresAt.Valid {
		t := expiresAt.Time
		r.OfferExpiresAt = &t
	}
	r.DeclinedBy = []string(declined)
	return &r, nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM ride_requests WHERE id = $1`, id)
	return scanRequest(row)
}

func (p *PostgresStore) listRequests(ctx context.Context, where, order string, limit int) ([]*models.RideRequest, error) {
	q := `SELECT ` + requestColumns + ` FROM ride_requests WHERE ` + where + ` ORDER BY ` + order
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RideRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DispatchableRequests(ctx context.Context, limit int) ([]*models.RideRequest, error) {
	return p.listRequests(ctx, `status IN ('pending','searching')`, `requested_at ASC`, limit)
}

func (p *PostgresStore) OfferedRequests(ctx context.Context, limit int) ([]*models.RideRequest, error) {
	return p.listRequests(ctx, `status = 'offered'`, `offer_expires_at ASC`, limit)
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	var lat, lon sql.NullFloat64
	var addr sql.NullString
	if d.Location != nil {
		lat = sql.NullFloat64{Float64: d.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: d.Location.Lon, Valid: true}
		addr = sql.NullString{String: d.Location.Address, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO drivers (
			id, name, status, loc_address, loc_lat, loc_lon,
			current_ride_id, average_rating, acceptance_rate, online_since, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9,$10,NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			loc_address = EXCLUDED.loc_address,
			loc_lat = EXCLUDED.loc_lat,
			loc_lon = EXCLUDED.loc_lon,
			average_rating = EXCLUDED.average_rating,
			acceptance_rate = EXCLUDED.acceptance_rate,
			online_since = EXCLUDED.online_since,
			updated_at = NOW()`,
		d.ID, d.Name, string(d.Status), addr, lat, lon,
		d.CurrentRideID, d.AverageRating, d.AcceptanceRate, d.OnlineSince,
	)
	return err
}

func scanDriver(row rowScanner) (*models.Driver, error) {
	var d models.Driver
	var addr, currentRide sql.NullString
	var lat, lon sql.NullFloat64
	err := row.Scan(
		&d.ID, &d.Name, &d.Status, &addr, &lat, &lon,
		&currentRide, &d.AverageRating, &d.AcceptanceRate, &d.OnlineSince, &d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		d.Location = &models.Coordinate{Address: addr.String, Lat: lat.Float64, Lon: lon.Float64}
	}
	d.CurrentRideID = currentRide.String
	return &d, nil
}

const driverColumns = `id, name, status, loc_address, loc_lat, loc_lon,
	current_ride_id, average_rating, acceptance_rate, online_since, updated_at`

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id)
	return scanDriver(row)
}

func (p *PostgresStore) AvailableDrivers(ctx context.Context) ([]*models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+driverColumns+` FROM drivers
		WHERE status IN ('online','en-route','on-trip') AND current_ride_id IS NULL
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) OfferRequest(ctx context.Context, requestID, driverID string, expiresAt time.Time, offer *models.DriverOffer) (bool, error) {
	return p.inTx(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE ride_requests
			SET status = 'offered', offered_to_driver_id = $2, offer_expires_at = $3, updated_at = NOW()
			WHERE id = $1 AND status IN ('pending','searching')`,
			requestID, driverID, expiresAt)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return false, nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO driver_offers (
				id, request_id, driver_id, passenger_id, passenger_name,
				pickup_address, pickup_lat, pickup_lon,
				dest_address, dest_lat, dest_lon,
				service_type, estimated_price, status, expires_at, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			offer.ID, offer.RequestID, offer.DriverID, offer.PassengerID, offer.PassengerName,
			offer.Pickup.Address, offer.Pickup.Lat, offer.Pickup.Lon,
			offer.Destination.Address, offer.Destination.Lat, offer.Destination.Lon,
			offer.ServiceType, offer.EstimatedPrice, string(offer.Status), offer.ExpiresAt, offer.CreatedAt)
		return err == nil, err
	})
}

func (p *PostgresStore) AcceptOffer(ctx context.Context, requestID, driverID string, now time.Time, ride *models.ActiveRide) (bool, error) {
	return p.inTx(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE ride_requests
			SET status = 'driver-assigned', offered_to_driver_id = NULL, offer_expires_at = NULL, updated_at = $3
			WHERE id = $1 AND status = 'offered' AND offered_to_driver_id = $2 AND offer_expires_at > $3`,
			requestID, driverID, now)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return false, nil
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE drivers
			SET current_ride_id = $2, status = 'en-route', updated_at = $3
			WHERE id = $1 AND current_ride_id IS NULL`,
			driverID, ride.ID, now)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			// Driver grabbed another ride since the offer went out; roll the
			// whole unit back.
			return false, nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE driver_offers SET status = 'accepted' WHERE id = $1`,
			models.OfferID(requestID, driverID)); err != nil {
			return false, err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO active_rides (
				id, request_id, passenger_id, driver_id,
				pickup_address, pickup_lat, pickup_lon,
				dest_address, dest_lat, dest_lon,
				service_type, surge_multiplier, status, payment_hold_id, assigned_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			ride.ID, ride.RequestID, ride.PassengerID, ride.DriverID,
			ride.Pickup.Address, ride.Pickup.Lat, ride.Pickup.Lon,
			ride.Destination.Address, ride.Destination.Lat, ride.Destination.Lon,
			ride.ServiceType, ride.SurgeMultiplier, string(ride.Status), ride.PaymentHoldID, ride.AssignedAt)
		return err == nil, err
	})
}

func (p *PostgresStore) DeclineOffer(ctx context.Context, requestID, driverID string, now time.Time) (bool, error) {
	return p.inTx(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE ride_requests
			SET status = 'pending',
			    offered_to_driver_id = NULL,
			    offer_expires_at = NULL,
			    declined_by = CASE WHEN $2 = ANY(declined_by) THEN declined_by ELSE array_append(declined_by, $2) END,
			    updated_at = $3
			WHERE id = $1 AND status = 'offered' AND offered_to_driver_id = $2`,
			requestID, driverID, now)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return false, nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE driver_offers SET status = 'declined' WHERE id = $1`,
			models.OfferID(requestID, driverID))
		return err == nil, err
	})
}

func (p *PostgresStore) ExpireOffer(ctx context.Context, requestID string, now time.Time) (bool, error) {
	return p.inTx(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE driver_offers o
			SET status = 'expired'
			FROM ride_requests r
			WHERE r.id = $1 AND r.status = 'offered' AND r.offer_expires_at <= $2
			  AND o.request_id = r.id AND o.driver_id = r.offered_to_driver_id
			  AND o.status = 'pending'`,
			requestID, now)
		if err != nil {
			return false, err
		}
		_ = res
		res, err = tx.ExecContext(ctx, `
			UPDATE ride_requests
			SET status = 'pending', offered_to_driver_id = NULL, offer_expires_at = NULL, updated_at = $2
			WHERE id = $1 AND status = 'offered' AND offer_expires_at <= $2`,
			requestID, now)
		if err != nil {
			return false, err
		}
		n, _ := res.RowsAffected()
		return n == 1, nil
	})
}

func (p *PostgresStore) CancelRequest(ctx context.Context, requestID string, now time.Time) (bool, error) {
	return p.inTx(ctx, func(tx *sql.Tx) (bool, error) {
		_, err := tx.ExecContext(ctx, `
			UPDATE driver_offers o
			SET status = 'expired'
			FROM ride_requests r
			WHERE r.id = $1 AND o.request_id = r.id
			  AND o.driver_id = r.offered_to_driver_id AND o.status = 'pending'`,
			requestID)
		if err != nil {
			return false, err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE ride_requests
			SET status = 'cancelled', offered_to_driver_id = NULL, offer_expires_at = NULL, updated_at = $2
			WHERE id = $1 AND status IN ('pending','searching','offered')`,
			requestID, now)
		if err != nil {
			return false, err
		}
		n, _ := res.RowsAffected()
		return n == 1, nil
	})
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.DriverOffer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, request_id, driver_id, passenger_id, passenger_name,
		       pickup_address, pickup_lat, pickup_lon,
		       dest_address, dest_lat, dest_lon,
		       service_type, estimated_price, status, expires_at, created_at
		FROM driver_offers WHERE id = $1`, id)
	var o models.DriverOffer
	err := row.Scan(
		&o.ID, &o.RequestID, &o.DriverID, &o.PassengerID, &o.PassengerName,
		&o.Pickup.Address, &o.Pickup.Lat, &o.Pickup.Lon,
		&o.Destination.Address, &o.Destination.Lat, &o.Destination.Lon,
		&o.ServiceType, &o.EstimatedPrice, &o.Status, &o.ExpiresAt, &o.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.ActiveRide, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, request_id, passenger_id, driver_id,
		       pickup_address, pickup_lat, pickup_lon,
		       dest_address, dest_lat, dest_lon,
		       service_type, surge_multiplier, status, payment_hold_id,
		       assigned_at, arrived_at, started_at, completed_at
		FROM active_rides WHERE id = $1`, id)
	var r models.ActiveRide
	var holdID sql.NullString
	var arrived, started, completed sql.NullTime
	err := row.Scan(
		&r.ID, &r.RequestID, &r.PassengerID, &r.DriverID,
		&r.Pickup.Address, &r.Pickup.Lat, &r.Pickup.Lon,
		&r.Destination.Address, &r.Destination.Lat, &r.Destination.Lon,
		&r.ServiceType, &r.SurgeMultiplier, &r.Status, &holdID,
		&r.AssignedAt, &arrived, &started, &completed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.PaymentHoldID = holdID.String
	if arrived.Valid {
		t := arrived.Time
		r.ArrivedAt = &t
	}
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return &r, nil
}

func (p *PostgresStore) AdvanceRide(ctx context.Context, rideID string, from, to models.RideStatus, now time.Time) (bool, error) {
	return p.inTx(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE active_rides
			SET status = $3,
			    arrived_at = CASE WHEN $3 = 'driver-arrived' THEN $4 ELSE arrived_at END,
			    started_at = CASE WHEN $3 = 'in-progress' THEN $4 ELSE started_at END
			WHERE id = $1 AND status = $2`,
			rideID, string(from), string(to), now)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return false, nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE ride_requests SET status = $2, updated_at = $3
			WHERE id = (SELECT request_id FROM active_rides WHERE id = $1)`,
			rideID, string(to), now)
		return err == nil, err
	})
}

func (p *PostgresStore) CompleteRide(ctx context.Context, rideID string, fare models.FareBreakdown, txn *models.Transaction, now time.Time) (bool, error) {
	return p.inTx(ctx, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx, `
			UPDATE active_rides
			SET status = 'completed', completed_at = $2,
			    fare_total = $3, driver_earnings = $4, platform_fee = $5
			WHERE id = $1 AND status = 'in-progress'`,
			rideID, now, fare.Total, fare.DriverEarnings, fare.PlatformFee)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return false, nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE ride_requests SET status = 'completed', updated_at = $2
			WHERE id = (SELECT request_id FROM active_rides WHERE id = $1)`,
			rideID, now)
		if err != nil {
			return false, err
		}
		// transactions.ride_id is UNIQUE: the ledger stays append-only even
		// if two completion calls race past the status check.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transactions (
				id, ride_id, request_id, passenger_id, driver_id,
				service_type, base_fare, distance_fare, time_fare, subtotal,
				surge_multiplier, surged_subtotal, tax_gst, tax_qst,
				total, driver_earnings, platform_fee, currency,
				actual_distance_km, actual_duration_min, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
			txn.ID, txn.RideID, txn.RequestID, txn.PassengerID, txn.DriverID,
			fare.ServiceType, fare.BaseFare, fare.DistanceFare, fare.TimeFare, fare.Subtotal,
			fare.SurgeMultiplier, fare.SurgedSubtotal, fare.TaxGST, fare.TaxQST,
			fare.Total, fare.DriverEarnings, fare.PlatformFee, fare.Currency,
			txn.ActualDistanceKm, txn.ActualDurationMin, txn.CreatedAt)
		return err == nil, err
	})
}

func (p *PostgresStore) ReactivateDriver(ctx context.Context, driverID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE drivers
		SET status = 'online', current_ride_id = NULL, online_since = NOW(), updated_at = NOW()
		WHERE id = $1`, driverID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, rideID string) (*models.Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, ride_id, request_id, passenger_id, driver_id,
		       service_type, base_fare, distance_fare, time_fare, subtotal,
		       surge_multiplier, surged_subtotal, tax_gst, tax_qst,
		       total, driver_earnings, platform_fee, currency,
		       actual_distance_km, actual_duration_min, created_at
		FROM transactions WHERE ride_id = $1`, rideID)
	var t models.Transaction
	err := row.Scan(
		&t.ID, &t.RideID, &t.RequestID, &t.PassengerID, &t.DriverID,
		&t.Fare.ServiceType, &t.Fare.BaseFare, &t.Fare.DistanceFare, &t.Fare.TimeFare, &t.Fare.Subtotal,
		&t.Fare.SurgeMultiplier, &t.Fare.SurgedSubtotal, &t.Fare.TaxGST, &t.Fare.TaxQST,
		&t.Fare.Total, &t.Fare.DriverEarnings, &t.Fare.PlatformFee, &t.Fare.Currency,
		&t.ActualDistanceKm, &t.ActualDurationMin, &t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// inTx runs fn inside a transaction, committing only when fn reports success
// without error. A false return rolls back, leaving the prior state intact.
func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) (bool, error)) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	ok, err := fn(tx)
	if err != nil || !ok {
		_ = tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
