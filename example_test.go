package traffickit_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nhalm/traffickit"
	"github.com/nhalm/traffickit/backoff"
	"github.com/nhalm/traffickit/backpressure"
	"github.com/nhalm/traffickit/breaker"
	"github.com/nhalm/traffickit/retry"
	"github.com/nhalm/traffickit/store"
)

func ExampleController() {
	st := store.NewMemory()
	defer st.Close()

	cfg := traffickit.DefaultRouteConfig("api")
	cfg.Limit = 100
	cfg.Window = time.Minute
	cfg.Quota = true

	ctrl, err := traffickit.New(st, cfg)
	if err != nil {
		panic(err)
	}

	r := chi.NewRouter()
	r.Use(ctrl.Handler)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func ExampleNewLoadShedder() {
	bp := backpressure.New(backpressure.WithResource("reports", 10))
	shed := traffickit.NewLoadShedder(bp, "reports",
		traffickit.ShedWithWait(100*time.Millisecond))

	r := chi.NewRouter()
	r.With(shed.Handler).Get("/reports", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func ExampleNewAdmin() {
	reg := breaker.NewRegistry()

	admin := traffickit.NewAdmin(traffickit.AdminWithBreakers(reg))

	r := chi.NewRouter()
	r.Mount("/admin/traffic", admin.Router())
}

func Example_retryWithBreaker() {
	b := breaker.New("billing-api")
	policy := retry.New(
		retry.WithMaxAttempts(4),
		retry.WithBackoff(backoff.NewExponential(100*time.Millisecond, 2*time.Second, backoff.WithJitter())),
		retry.WithBreaker(b))

	err := policy.Do(context.Background(), "charge", func(ctx context.Context) error {
		return nil // call the dependency here
	})

	var open *breaker.OpenError
	switch {
	case errors.As(err, &open):
		fmt.Println("dependency unhealthy, retry after", open.RetryAfter)
	case err != nil:
		fmt.Println("charge failed:", err)
	default:
		fmt.Println("charged")
	}
	// Output: charged
}
