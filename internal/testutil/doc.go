// Package testutil provides helpers for tests only.
//
// # Random Data
//
//	rng := testutil.NewRNG(seed)
//	val := rng.Bytes(1, 16)   // 1 to 16 random bytes
//	key := rng.Pick(keys)     // random element
//
// # Time
//
//	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
//	opts := settings.WithClock(clock.Now)
//	clock.Advance(time.Hour)
//
// # Flash
//
//	testutil.WriteFile(t, fsys, "steps.bin", image)
package testutil
