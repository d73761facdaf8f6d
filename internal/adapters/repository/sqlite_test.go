package repository_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/okian/demandcast/internal/adapters/repository"
	"github.com/okian/demandcast/internal/domain/model"
	"github.com/okian/demandcast/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

var stamp = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T, path string) *repository.SQLiteStore {
	t.Helper()
	s, err := repository.Open(context.Background(), path,
		repository.WithClock(func() time.Time { return stamp }),
		repository.WithLogger(logger.Nop()),
	)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDescriptorStore(t *testing.T) {
	ctx := context.Background()

	Convey("Given an in-memory store", t, func() {
		s := openStore(t, "")

		Convey("When nothing was saved", func() {
			_, err := s.Latest(ctx, "sku-1")
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)

			all, err := s.List(ctx)
			So(err, ShouldBeNil)
			So(all, ShouldBeEmpty)
		})

		Convey("When saving two versions of one model", func() {
			first, err := s.Save(ctx, model.Descriptor{
				Name:       "sku-1",
				Kind:       "ssa",
				Parameters: model.Parameters{"WindowSize": 7, "NumComponents": 3},
			})
			So(err, ShouldBeNil)
			second, err := s.Save(ctx, model.Descriptor{
				Name:       "sku-1",
				Kind:       "ssa",
				Parameters: model.Parameters{"WindowSize": 14, "NumComponents": 2},
			})
			So(err, ShouldBeNil)

			Convey("Then versions increase and IDs are assigned", func() {
				So(first.Version, ShouldEqual, 1)
				So(second.Version, ShouldEqual, 2)
				So(first.ID, ShouldNotBeBlank)
				So(first.ID, ShouldNotEqual, second.ID)
				So(first.CreatedAt, ShouldEqual, stamp)
			})

			Convey("Then Latest returns the newest version intact", func() {
				got, err := s.Latest(ctx, "sku-1")
				So(err, ShouldBeNil)
				So(got, ShouldResemble, second)
			})

			Convey("Then List orders by name and version", func() {
				_, err := s.Save(ctx, model.Descriptor{Name: "a-first", Kind: "holt", Parameters: model.Parameters{"Alpha": 0.5}})
				So(err, ShouldBeNil)

				all, err := s.List(ctx)
				So(err, ShouldBeNil)
				So(all, ShouldHaveLength, 3)
				So(all[0].Name, ShouldEqual, "a-first")
				So(all[1].Version, ShouldEqual, 1)
				So(all[2].Version, ShouldEqual, 2)
			})
		})

		Convey("When the descriptor is incomplete", func() {
			_, err := s.Save(ctx, model.Descriptor{Name: " ", Kind: "ssa"})
			So(errors.Is(err, repository.ErrInvalidDescriptor), ShouldBeTrue)
			_, err = s.Save(ctx, model.Descriptor{Name: "sku-2"})
			So(errors.Is(err, repository.ErrInvalidDescriptor), ShouldBeTrue)
		})
	})

	Convey("Given a file-backed store", t, func() {
		path := filepath.Join(t.TempDir(), "models.db")
		s := openStore(t, path)
		_, err := s.Save(ctx, model.Descriptor{Name: "sku-9", Kind: "holt", Parameters: model.Parameters{"Alpha": 0.2, "Beta": 0.1}})
		So(err, ShouldBeNil)
		So(s.Close(), ShouldBeNil)

		Convey("When it is reopened", func() {
			again := openStore(t, path)
			got, err := again.Latest(ctx, "sku-9")

			Convey("Then the descriptor survives and migrations are not reapplied", func() {
				So(err, ShouldBeNil)
				So(got.Parameters, ShouldResemble, model.Parameters{"Alpha": 0.2, "Beta": 0.1})
				So(got.Version, ShouldEqual, 1)
			})
		})
	})
}
