package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	dedupe "github.com/okian/demandcast/internal/domain/dedupe"
	. "github.com/smartystreets/goconvey/convey"
)

var day0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func TestKey(t *testing.T) {
	Convey("Given observation keys", t, func() {
		Convey("Then the time of day does not matter", func() {
			So(dedupe.Key("sku-1", day0.Add(13*time.Hour)), ShouldEqual, dedupe.Key("sku-1", day0))
			So(dedupe.Key("sku-1", day0), ShouldEqual, "sku-1|2024-05-01")
		})

		Convey("Then entities and days are distinguished", func() {
			So(dedupe.Key("sku-1", day0), ShouldNotEqual, dedupe.Key("sku-2", day0))
			So(dedupe.Key("sku-1", day0), ShouldNotEqual, dedupe.Key("sku-1", day0.AddDate(0, 0, 1)))
		})
	})
}

func TestInMemoryDeduper(t *testing.T) {
	ctx := context.Background()

	Convey("Given a new InMemoryDeduper", t, func() {
		d := dedupe.NewInMemoryDeduper()
		So(d.Size(), ShouldEqual, 0)

		Convey("When an observation day is new", func() {
			seen := d.SeenAndRecord(ctx, dedupe.Key("sku-1", day0))

			Convey("Then it is recorded", func() {
				So(seen, ShouldBeFalse)
				So(d.Size(), ShouldEqual, 1)
			})
		})

		Convey("When the same day arrives twice", func() {
			d.SeenAndRecord(ctx, dedupe.Key("sku-1", day0))
			seen := d.SeenAndRecord(ctx, dedupe.Key("sku-1", day0.Add(time.Hour)))

			Convey("Then the second is a duplicate", func() {
				So(seen, ShouldBeTrue)
				So(d.Size(), ShouldEqual, 1)
			})
		})

		Convey("When a recorded key is unrecorded", func() {
			d.SeenAndRecord(ctx, "a")
			d.SeenAndRecord(ctx, "b")
			d.SeenAndRecord(ctx, "c")
			d.Unrecord(ctx, "b")
			d.Unrecord(ctx, "missing")

			Convey("Then only that key is forgotten", func() {
				So(d.Size(), ShouldEqual, 2)
				So(d.SeenAndRecord(ctx, "a"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "c"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "b"), ShouldBeFalse)
			})
		})
	})

	Convey("Given a bounded deduper at capacity", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(3))
		for _, k := range []string{"a", "b", "c"} {
			So(d.SeenAndRecord(ctx, k), ShouldBeFalse)
		}

		Convey("When one more key is recorded", func() {
			So(d.SeenAndRecord(ctx, "d"), ShouldBeFalse)

			Convey("Then the oldest key is evicted first", func() {
				So(d.Size(), ShouldEqual, 3)
				So(d.SeenAndRecord(ctx, "b"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "c"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "d"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "a"), ShouldBeFalse)
				So(d.Size(), ShouldEqual, 3)
			})
		})

		Convey("When the oldest key is unrecorded before eviction", func() {
			d.Unrecord(ctx, "a")
			d.SeenAndRecord(ctx, "d")
			d.SeenAndRecord(ctx, "e")

			Convey("Then eviction continues from the next oldest", func() {
				So(d.Size(), ShouldEqual, 3)
				So(d.SeenAndRecord(ctx, "c"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "e"), ShouldBeTrue)
			})
		})
	})

	Convey("Given an unbounded deduper", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(-1))
		const n = 1000
		for i := 0; i < n; i++ {
			So(d.SeenAndRecord(ctx, dedupe.Key("sku", day0.AddDate(0, 0, i))), ShouldBeFalse)
		}
		So(d.Size(), ShouldEqual, int64(n))
		So(d.SeenAndRecord(ctx, dedupe.Key("sku", day0)), ShouldBeTrue)
	})
}

func TestDedupeConcurrency(t *testing.T) {
	ctx := context.Background()

	Convey("Given a deduper with concurrent access", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(1000))
		const numGoroutines = 10
		const perGoroutine = 100

		Convey("When goroutines record distinct keys concurrently", func() {
			var wg sync.WaitGroup
			for i := 0; i < numGoroutines; i++ {
				wg.Add(1)
				go func(g int) {
					defer wg.Done()
					for j := 0; j < perGoroutine; j++ {
						d.SeenAndRecord(ctx, dedupe.Key(fmt.Sprintf("sku-%d", g), day0.AddDate(0, 0, j)))
					}
				}(i)
			}
			wg.Wait()

			Convey("Then every key is recorded", func() {
				So(d.Size(), ShouldEqual, int64(numGoroutines*perGoroutine))
			})
		})

		Convey("When goroutines race on the same key", func() {
			var (
				wg    sync.WaitGroup
				mu    sync.Mutex
				fresh int
			)
			for i := 0; i < numGoroutines; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if !d.SeenAndRecord(ctx, "sku-1|2024-05-01") {
						mu.Lock()
						fresh++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			Convey("Then exactly one wins", func() {
				So(fresh, ShouldEqual, 1)
			})
		})
	})
}
