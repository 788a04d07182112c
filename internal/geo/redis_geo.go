package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hedibennis17-tech/kulooc-sub001/internal/models"
)

// RedisIndex implements Index on Redis GEO commands, with a metadata hash per
// driver for the fields GEO cannot hold.
type RedisIndex struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

func (r *RedisIndex) Upsert(d models.Driver) {
	if d.Location != nil {
		_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{
			Longitude: d.Location.Lon,
			Latitude:  d.Location.Lat,
			Name:      d.ID,
		}).Result()
	}
	_ = r.client.HSet(r.ctx, metaKey(d.ID), map[string]interface{}{
		"status":          string(d.Status),
		"current_ride_id": d.CurrentRideID,
		"rating":          strconv.FormatFloat(d.AverageRating, 'f', -1, 64),
		"acceptance_rate": strconv.FormatFloat(d.AcceptanceRate, 'f', -1, 64),
		"online_since":    d.OnlineSince.Format(time.RFC3339),
		"updated":         time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) Remove(driverID string) {
	_ = r.client.ZRem(r.ctx, r.key, driverID).Err()
	_ = r.client.Del(r.ctx, metaKey(driverID)).Err()
}

func (r *RedisIndex) Nearby(lat, lon float64, radiusKm float64, limit int) []models.Driver {
	if radiusKm <= 0 {
		radiusKm = 30
	}
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Count:     limit,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name}
		d.Location = &models.Coordinate{Lat: g.Latitude, Lon: g.Longitude}
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			d.Status = models.DriverStatus(m["status"])
			d.CurrentRideID = m["current_ride_id"]
			if v, ok := m["rating"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					d.AverageRating = f
				}
			}
			if v, ok := m["acceptance_rate"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					d.AcceptanceRate = f
				}
			}
			if v, ok := m["online_since"]; ok {
				if t, err := time.Parse(time.RFC3339, v); err == nil {
					d.OnlineSince = t
				}
			}
		}
		if !d.Available() {
			continue
		}
		out = append(out, d)
	}
	return out
}

func metaKey(id string) string { return "driver:meta:" + id }
