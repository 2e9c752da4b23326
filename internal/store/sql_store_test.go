package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/EpicMandM/lab-session-manager/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// stores returns the SQLite store and, when TEST_DATABASE_URL is set, a
// PostgreSQL store with empty tables.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{DialectSQLite: newTestStore(t)}

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		return out
	}
	pg, err := NewPostgresStore(url)
	require.NoError(t, err)
	_, err = pg.db.Exec(`TRUNCATE bookings, scheduled_stops`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Close() })
	out[DialectPostgres] = pg
	return out
}

func booking(id, user, key string, start time.Time) *models.Booking {
	return &models.Booking{ID: id, UserID: user, ResourceKey: key, SlotStart: start, Created: start.Add(-time.Hour)}
}

func TestResolveDBPath(t *testing.T) {
	dir := t.TempDir()

	got, err := resolveDBPath(filepath.Join(dir, "nested", "bookings.db"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "nested", "bookings.db"), got)
	assert.DirExists(t, filepath.Join(dir, "nested"))

	got, err = resolveDBPath(filepath.Join(dir, "data"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data", "store.db"), got)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("mysql", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestRebind(t *testing.T) {
	sqlite := &SQLStore{dialect: DialectSQLite}
	pg := &SQLStore{dialect: DialectPostgres}
	q := `SELECT data FROM bookings WHERE resource_key = ? AND slot_start = ?`

	assert.Equal(t, q, sqlite.rebind(q))
	assert.Equal(t, `SELECT data FROM bookings WHERE resource_key = $1 AND slot_start = $2`, pg.rebind(q))
}

func TestBookings_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 14, 30, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.InsertBooking(ctx, booking("b1", "u1", "lab_1", start)))

			got, err := s.GetBooking(ctx, "lab_1", start)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "b1", got.ID)
			assert.Equal(t, "u1", got.UserID)
			assert.True(t, start.Equal(got.SlotStart))

			// Same instant in another zone addresses the same row.
			got, err = s.GetBooking(ctx, "lab_1", start.In(time.FixedZone("CET", 3600)))
			require.NoError(t, err)
			require.NotNil(t, got)

			got, err = s.GetBooking(ctx, "lab_1", start.Add(10*time.Minute))
			require.NoError(t, err)
			assert.Nil(t, got)

			got, err = s.GetBooking(ctx, "lab_2", start)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestBookings_InsertConflict(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 14, 30, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.InsertBooking(ctx, booking("b1", "u1", "lab_1", start)))

			err := s.InsertBooking(ctx, booking("b2", "u2", "lab_1", start))
			assert.ErrorIs(t, err, models.ErrConflict)

			// Another lab, same slot, is independent.
			assert.NoError(t, s.InsertBooking(ctx, booking("b3", "u2", "lab_2", start)))

			got, err := s.GetBooking(ctx, "lab_1", start)
			require.NoError(t, err)
			assert.Equal(t, "u1", got.UserID)
		})
	}
}

func TestBookings_ConcurrentInsertOneWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	start := time.Date(2024, 1, 1, 14, 30, 0, 0, time.UTC)

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.InsertBooking(ctx, booking(string(rune('a'+i)), string(rune('A'+i)), "lab_1", start))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case assert.ErrorIs(t, err, models.ErrConflict):
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)
}

func TestBookings_List(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i, off := range []int{30, 0, 10, 60} {
				start := base.Add(time.Duration(off) * time.Minute)
				require.NoError(t, s.InsertBooking(ctx, booking(string(rune('a'+i)), "u", "lab_1", start)))
			}
			require.NoError(t, s.InsertBooking(ctx, booking("other", "u", "lab_2", base)))

			got, err := s.ListBookings(ctx, "lab_1", base, base.Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.True(t, base.Equal(got[0].SlotStart))
			assert.True(t, base.Add(10*time.Minute).Equal(got[1].SlotStart))
			assert.True(t, base.Add(30*time.Minute).Equal(got[2].SlotStart))

			got, err = s.ListBookings(ctx, "lab_3", base, base.Add(time.Hour))
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestScheduledStops(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 14, 30, 0, 0, time.UTC)
	session := &models.Session{
		ID:          "lab_1-202401011430",
		ResourceKey: "lab_1",
		SlotStart:   start,
		SlotEnd:     start.Add(10 * time.Minute),
		User:        models.User{ID: "u1", Email: "alice@example.com"},
		ReadyBanner: "Press CTRL+C to quit",
		Containers: []models.ContainerRef{
			{ID: "c1", Name: "lab_1-202401011430-node-red"},
			{ID: "c2", Name: "lab_1-202401011430"},
		},
	}
	earlier := &models.Session{ID: "lab_2-202401011420", ResourceKey: "lab_2", SlotStart: start.Add(-10 * time.Minute), SlotEnd: start}

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveScheduledStop(ctx, session))
			require.NoError(t, s.SaveScheduledStop(ctx, earlier))
			// Saving again replaces the record.
			require.NoError(t, s.SaveScheduledStop(ctx, session))

			got, err := s.ListScheduledStops(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, earlier.ID, got[0].ID)
			assert.Equal(t, session.ID, got[1].ID)
			assert.Equal(t, session.User, got[1].User)
			assert.Equal(t, session.Containers, got[1].Containers)
			assert.True(t, session.SlotEnd.Equal(got[1].SlotEnd))

			require.NoError(t, s.DeleteScheduledStop(ctx, session.ID))
			require.NoError(t, s.DeleteScheduledStop(ctx, "missing"))

			got, err = s.ListScheduledStops(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, earlier.ID, got[0].ID)
		})
	}
}

func TestPing(t *testing.T) {
	assert.NoError(t, newTestStore(t).Ping(context.Background()))
}
