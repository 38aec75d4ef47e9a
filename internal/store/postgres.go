package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"vandispatch/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// MigrateDir applies every .sql file in dir in lexical order (dev helper).
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		b, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", n, err)
		}
	}
	return nil
}

func (p *Postgres) CreateRide(ctx context.Context, tenantID string, in model.RideInput) (model.Ride, error) {
	id := uuid.New().String()
	passengers := in.Passengers
	if passengers <= 0 {
		passengers = 1
	}
	now := time.Now().UTC()
	var pLat, pLng, dLat, dLng any
	if in.Pickup != nil {
		pLat, pLng = in.Pickup.Lat, in.Pickup.Lng
	}
	if in.Dropoff != nil {
		dLat, dLng = in.Dropoff.Lat, in.Dropoff.Lng
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (id, tenant_id, status, priority, passengers,
			pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, skip_auto_assign, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		id, tenantID, model.RidePending, in.Priority, passengers,
		pLat, pLng, dLat, dLng, in.SkipAutoAssign, now)
	if err != nil {
		return model.Ride{}, err
	}
	return p.GetRide(ctx, tenantID, id)
}

const rideColumns = `id, tenant_id, status, priority, passengers,
	pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	vehicle_id, pickup_task_id, dropoff_task_id, skip_auto_assign,
	created_at, assigned_at`

func scanRide(row interface{ Scan(...any) error }) (model.Ride, error) {
	var r model.Ride
	var pLat, pLng, dLat, dLng sql.NullFloat64
	var vehID, pTask, dTask sql.NullString
	var assignedAt sql.NullTime
	err := row.Scan(&r.ID, &r.TenantID, &r.Status, &r.Priority, &r.Passengers,
		&pLat, &pLng, &dLat, &dLng, &vehID, &pTask, &dTask, &r.SkipAutoAssign,
		&r.CreatedAt, &assignedAt)
	if err != nil {
		return model.Ride{}, err
	}
	if pLat.Valid && pLng.Valid {
		r.Pickup = &model.GeoPoint{Lat: pLat.Float64, Lng: pLng.Float64}
	}
	if dLat.Valid && dLng.Valid {
		r.Dropoff = &model.GeoPoint{Lat: dLat.Float64, Lng: dLng.Float64}
	}
	r.VehicleID = vehID.String
	r.PickupTaskID = pTask.String
	r.DropoffTaskID = dTask.String
	if assignedAt.Valid {
		t := assignedAt.Time
		r.AssignedAt = &t
	}
	return r, nil
}

func (p *Postgres) GetRide(ctx context.Context, tenantID, rideID string) (model.Ride, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE tenant_id=$1 AND id=$2`, tenantID, rideID)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Ride{}, ErrNotFound
	}
	if err != nil {
		return model.Ride{}, err
	}
	if r.Status == model.RideAssigned && r.PickupTaskID == "" && r.VehicleID != "" && r.HasCoordinates() {
		// Repair path: synthesize the missing task pair at the tail.
		if repaired, rerr := p.repairRideTasks(ctx, r); rerr == nil {
			r = repaired
		}
	}
	return r, nil
}

func (p *Postgres) repairRideTasks(ctx context.Context, r model.Ride) (model.Ride, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return r, err
	}
	defer func() { _ = tx.Rollback() }()
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE vehicle_id=$1 AND completed=false`, r.VehicleID).Scan(&count); err != nil {
		return r, err
	}
	pID, dID, err := insertTaskPairTx(ctx, tx, &r, r.VehicleID, count, count+1)
	if err != nil {
		return r, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE rides SET pickup_task_id=$1, dropoff_task_id=$2 WHERE id=$3`, pID, dID, r.ID); err != nil {
		return r, err
	}
	if err := tx.Commit(); err != nil {
		return r, err
	}
	r.PickupTaskID = pID
	r.DropoffTaskID = dID
	return r, nil
}

func (p *Postgres) ListRides(ctx context.Context, tenantID string, status model.RideStatus, limit int) ([]model.Ride, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + rideColumns + ` FROM rides WHERE tenant_id=$1`
	args := []any{tenantID}
	if status != "" {
		q += ` AND status=$2`
		args = append(args, status)
	}
	q += fmt.Sprintf(` ORDER BY created_at ASC LIMIT %d`, limit)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Ride{}
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) LoadPendingRides(ctx context.Context, tenantID string) ([]model.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE tenant_id=$1 AND status=$2 AND skip_auto_assign=false
		  AND pickup_lat IS NOT NULL AND dropoff_lat IS NOT NULL
		ORDER BY priority DESC, created_at ASC`, tenantID, model.RidePending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Ride{}
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateVehicle(ctx context.Context, tenantID string, in model.Vehicle) (model.Vehicle, error) {
	id := uuid.New().String()
	status := in.Status
	if status == "" {
		status = model.VehicleInService
	}
	capacity := in.Capacity
	if capacity < 1 {
		capacity = 1
	}
	var lat, lng any
	if in.Position != nil {
		lat, lng = in.Position.Lat, in.Position.Lng
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO vehicles (id, tenant_id, name, status, lat, lng, capacity, onboard, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		id, tenantID, in.Name, status, lat, lng, capacity, in.Onboard, time.Now().UTC())
	if err != nil {
		return model.Vehicle{}, err
	}
	return p.GetVehicle(ctx, tenantID, id)
}

func (p *Postgres) GetVehicle(ctx context.Context, tenantID, vehicleID string) (model.Vehicle, error) {
	vehicles, err := p.queryVehicles(ctx,
		`SELECT id, tenant_id, name, status, lat, lng, capacity, onboard, updated_at
		 FROM vehicles WHERE tenant_id=$1 AND id=$2`, tenantID, vehicleID)
	if err != nil {
		return model.Vehicle{}, err
	}
	if len(vehicles) == 0 {
		return model.Vehicle{}, ErrNotFound
	}
	return vehicles[0], nil
}

func (p *Postgres) ListVehicles(ctx context.Context, tenantID string) ([]model.Vehicle, error) {
	return p.queryVehicles(ctx,
		`SELECT id, tenant_id, name, status, lat, lng, capacity, onboard, updated_at
		 FROM vehicles WHERE tenant_id=$1 ORDER BY updated_at ASC, id ASC`, tenantID)
}

func (p *Postgres) LoadOnlineVehicles(ctx context.Context, tenantID string) ([]model.Vehicle, error) {
	return p.queryVehicles(ctx,
		`SELECT id, tenant_id, name, status, lat, lng, capacity, onboard, updated_at
		 FROM vehicles WHERE tenant_id=$1 AND status=$2 AND lat IS NOT NULL
		 ORDER BY id ASC`, tenantID, model.VehicleInService)
}

func (p *Postgres) queryVehicles(ctx context.Context, q string, args ...any) ([]model.Vehicle, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Vehicle{}
	for rows.Next() {
		var v model.Vehicle
		var lat, lng sql.NullFloat64
		if err := rows.Scan(&v.ID, &v.TenantID, &v.Name, &v.Status, &lat, &lng, &v.Capacity, &v.Onboard, &v.UpdatedAt); err != nil {
			return nil, err
		}
		if lat.Valid && lng.Valid {
			v.Position = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		tasks, err := p.openTasks(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Tasks = tasks
	}
	return out, nil
}

func (p *Postgres) openTasks(ctx context.Context, vehicleID string) ([]model.Task, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, vehicle_id, ride_id, kind, lat, lng, position, passenger_delta, completed
		FROM tasks WHERE vehicle_id=$1 AND completed=false ORDER BY position ASC`, vehicleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Task{}
	for rows.Next() {
		var t model.Task
		var rideID sql.NullString
		var lat, lng sql.NullFloat64
		if err := rows.Scan(&t.ID, &t.TenantID, &t.VehicleID, &rideID, &t.Kind, &lat, &lng, &t.Position, &t.PassengerDelta, &t.Completed); err != nil {
			return nil, err
		}
		t.RideID = rideID.String
		if lat.Valid && lng.Valid {
			t.Location = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) PatchVehicle(ctx context.Context, tenantID, vehicleID string, patch model.VehiclePatch) (model.Vehicle, error) {
	sets := []string{"updated_at=$3"}
	args := []any{tenantID, vehicleID, time.Now().UTC()}
	n := 4
	if patch.Status != "" {
		sets = append(sets, fmt.Sprintf("status=$%d", n))
		args = append(args, patch.Status)
		n++
		if patch.Status == model.VehicleOutOfService {
			sets = append(sets, "lat=NULL, lng=NULL")
		}
	}
	if patch.Position != nil {
		sets = append(sets, fmt.Sprintf("lat=$%d, lng=$%d", n, n+1))
		args = append(args, patch.Position.Lat, patch.Position.Lng)
		n += 2
	}
	if patch.Capacity != nil && *patch.Capacity >= 1 {
		sets = append(sets, fmt.Sprintf("capacity=$%d", n))
		args = append(args, *patch.Capacity)
		n++
	}
	if patch.Onboard != nil && *patch.Onboard >= 0 {
		sets = append(sets, fmt.Sprintf("onboard=$%d", n))
		args = append(args, *patch.Onboard)
		n++
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE vehicles SET `+strings.Join(sets, ", ")+` WHERE tenant_id=$1 AND id=$2`, args...)
	if err != nil {
		return model.Vehicle{}, err
	}
	if aff, _ := res.RowsAffected(); aff == 0 {
		return model.Vehicle{}, ErrNotFound
	}
	return p.GetVehicle(ctx, tenantID, vehicleID)
}

func (p *Postgres) CompleteTask(ctx context.Context, tenantID, taskID string) (model.Task, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Task{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var t model.Task
	var rideID sql.NullString
	var lat, lng sql.NullFloat64
	err = tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, vehicle_id, ride_id, kind, lat, lng, position, passenger_delta, completed
		FROM tasks WHERE tenant_id=$1 AND id=$2 AND completed=false FOR UPDATE`,
		tenantID, taskID).Scan(&t.ID, &t.TenantID, &t.VehicleID, &rideID, &t.Kind, &lat, &lng, &t.Position, &t.PassengerDelta, &t.Completed)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, err
	}
	t.RideID = rideID.String
	if lat.Valid && lng.Valid {
		t.Location = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET completed=true WHERE id=$1`, taskID); err != nil {
		return model.Task{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET position = position - 1
		WHERE vehicle_id=$1 AND completed=false AND position > $2`, t.VehicleID, t.Position); err != nil {
		return model.Task{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE vehicles SET onboard = GREATEST(onboard + $1, 0), updated_at=$2 WHERE id=$3`,
		t.PassengerDelta, time.Now().UTC(), t.VehicleID); err != nil {
		return model.Task{}, err
	}
	if t.RideID != "" && t.Kind == model.TaskDropoff {
		if _, err := tx.ExecContext(ctx, `UPDATE rides SET status=$1 WHERE id=$2`, model.RideComplete, t.RideID); err != nil {
			return model.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Task{}, err
	}
	t.Completed = true
	return t, nil
}

func (p *Postgres) RemoveTask(ctx context.Context, tenantID, taskID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var vehicleID string
	var rideID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT vehicle_id, ride_id FROM tasks WHERE tenant_id=$1 AND id=$2`, tenantID, taskID).
		Scan(&vehicleID, &rideID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if rideID.Valid && rideID.String != "" {
		// Pairing invariant: the pickup/dropoff pair goes together and the
		// ride returns to the pending pool.
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE ride_id=$1`, rideID.String); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE rides SET status=$1, vehicle_id=NULL, pickup_task_id=NULL, dropoff_task_id=NULL, assigned_at=NULL
			WHERE id=$2`, model.RidePending, rideID.String); err != nil {
			return err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, taskID); err != nil {
			return err
		}
	}
	if err := renumberTx(ctx, tx, vehicleID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) CommitAssignment(ctx context.Context, tenantID, rideID, vehicleID string, pickupPos, dropoffPos int) (model.Ride, model.Task, model.Task, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Ride{}, model.Task{}, model.Task{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+rideColumns+` FROM rides WHERE tenant_id=$1 AND id=$2 AND status=$3 FOR UPDATE`,
		tenantID, rideID, model.RidePending)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Ride{}, model.Task{}, model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Ride{}, model.Task{}, model.Task{}, err
	}

	pID, dID, err := insertTaskPairTx(ctx, tx, &r, vehicleID, pickupPos, dropoffPos)
	if err != nil {
		return model.Ride{}, model.Task{}, model.Task{}, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE rides SET status=$1, vehicle_id=$2, pickup_task_id=$3, dropoff_task_id=$4, assigned_at=$5
		WHERE id=$6`, model.RideAssigned, vehicleID, pID, dID, now, rideID); err != nil {
		return model.Ride{}, model.Task{}, model.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Ride{}, model.Task{}, model.Task{}, err
	}

	r.Status = model.RideAssigned
	r.VehicleID = vehicleID
	r.PickupTaskID = pID
	r.DropoffTaskID = dID
	r.AssignedAt = &now
	pickup := model.Task{ID: pID, TenantID: tenantID, VehicleID: vehicleID, RideID: rideID,
		Kind: model.TaskPickup, Location: r.Pickup, Position: pickupPos, PassengerDelta: r.Passengers}
	dropoff := model.Task{ID: dID, TenantID: tenantID, VehicleID: vehicleID, RideID: rideID,
		Kind: model.TaskDropoff, Location: r.Dropoff, Position: dropoffPos, PassengerDelta: -r.Passengers}
	return r, pickup, dropoff, nil
}

func insertTaskPairTx(ctx context.Context, tx *sql.Tx, r *model.Ride, vehicleID string, pickupPos, dropoffPos int) (string, string, error) {
	pID := uuid.New().String()
	dID := uuid.New().String()
	insert := func(id string, kind model.TaskKind, loc *model.GeoPoint, pos, delta int) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET position = position + 1
			WHERE vehicle_id=$1 AND completed=false AND position >= $2`, vehicleID, pos); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, tenant_id, vehicle_id, ride_id, kind, lat, lng, position, passenger_delta, completed)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,false)`,
			id, r.TenantID, vehicleID, r.ID, kind, loc.Lat, loc.Lng, pos, delta)
		return err
	}
	if err := insert(pID, model.TaskPickup, r.Pickup, pickupPos, r.Passengers); err != nil {
		return "", "", err
	}
	if err := insert(dID, model.TaskDropoff, r.Dropoff, dropoffPos, -r.Passengers); err != nil {
		return "", "", err
	}
	return pID, dID, nil
}

func (p *Postgres) RenumberTasks(ctx context.Context, tenantID, vehicleID string, orderedTaskIDs []string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for i, id := range orderedTaskIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET position=$1 WHERE tenant_id=$2 AND vehicle_id=$3 AND id=$4`,
			i, tenantID, vehicleID, id); err != nil {
			return err
		}
	}
	if err := renumberTx(ctx, tx, vehicleID); err != nil {
		return err
	}
	return tx.Commit()
}

// renumberTx compacts open-task positions to a dense 0-based sequence.
func renumberTx(ctx context.Context, tx *sql.Tx, vehicleID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tasks t SET position = sub.rn - 1
		FROM (
			SELECT id, ROW_NUMBER() OVER (ORDER BY position ASC, id ASC) AS rn
			FROM tasks WHERE vehicle_id=$1 AND completed=false
		) sub
		WHERE t.id = sub.id`, vehicleID)
	return err
}

func (p *Postgres) GetOptimizerConfig(ctx context.Context, tenantID string) (map[string]any, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT config FROM optimizer_config WHERE tenant_id=$1`, tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) SaveOptimizerConfig(ctx context.Context, tenantID string, cfg map[string]any) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO optimizer_config (tenant_id, config) VALUES ($1,$2)
		ON CONFLICT (tenant_id) DO UPDATE SET config=EXCLUDED.config`, tenantID, raw)
	return err
}

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	s := model.Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
	events, err := json.Marshal(req.Events)
	if err != nil {
		return model.Subscription{}, err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, tenant_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`,
		s.ID, s.TenantID, s.URL, events, s.Secret)
	if err != nil {
		return model.Subscription{}, err
	}
	return s, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, tenant_id, url, events, secret FROM subscriptions WHERE tenant_id=$1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.TenantID, &s.URL, &events, &s.Secret); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(events, &s.Events); err != nil {
			return nil, err
		}
		for _, e := range s.Events {
			if e == eventType || e == "*" {
				out = append(out, s)
				break
			}
		}
	}
	return out, rows.Err()
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, url, secret, payload, attempts, status, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0,'pending',now())`,
		id, tenantID, subscriptionID, eventType, url, secret, payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, subscription_id, event_type, url, secret, payload, attempts
		FROM webhook_deliveries
		WHERE status='pending' AND next_attempt_at <= now()
		ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `
			UPDATE webhook_deliveries
			SET status='delivered', attempts=attempts+1, last_error=$1, response_code=$2, delivered_at=now()
			WHERE id=$3`, lastError, responseCode, id)
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET attempts=attempts+1, last_error=$1, response_code=$2, next_attempt_at=$3
		WHERE id=$4`, lastError, responseCode, nextAttemptAt, id)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status='failed', attempts=attempts+1, last_error=$1, response_code=$2
		WHERE id=$3`, lastError, responseCode, id)
	return err
}
