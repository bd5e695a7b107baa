package httpapi

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/weather-forecast/internal/forecast"
)

var validate = validator.New()

const banner = "AI Weather Forecasting API is running!"

// Options configures the HTTP app.
type Options struct {
	AppName          string
	RequestTimeout   time.Duration
	AggregateWorkers int
	// AccessLog receives one line per request; nil disables access logging.
	AccessLog io.Writer
}

// NewApp builds the Fiber app with middleware and all routes registered.
func NewApp(service *forecast.Service, opts Options) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               opts.AppName,
		DisableStartupMessage: true,
		ReadTimeout:           opts.RequestTimeout,
		WriteTimeout:          opts.RequestTimeout,
		ErrorHandler:          ErrorHandler,
	})

	// Global middleware
	app.Use(requestid.New(requestid.Config{Generator: uuid.NewString}))
	if opts.AccessLog != nil {
		app.Use(logger.New(logger.Config{
			Output: opts.AccessLog,
			Format: "${time} ${locals:requestid} ${status} - ${latency} ${method} ${path}\n",
		}))
	}
	app.Use(recover.New())
	app.Use(cors.New())

	RegisterRoutes(app, service, opts)
	return app
}

// ErrorHandler renders every error as the JSON failure envelope. Only
// *fiber.Error messages reach the client; anything else is reported as a
// generic internal error.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal server error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"status":  "failed",
		"message": msg,
	})
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, service *forecast.Service, opts Options) {
	h := &handlers{service: service, opts: opts}

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"message": banner})
	})
	app.Get("/health", h.health)
	app.Get("/cities", h.cities)
	app.Post("/predict", h.predictBody)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/api/v1")
	v1.Get("/cities", h.cities)
	v1.Get("/predict", h.predictQuery)
	v1.Get("/predictions", h.predictAll)
}

type handlers struct {
	service *forecast.Service
	opts    Options
}

// predictRequest is the body of POST /predict and the query of GET /api/v1/predict.
type predictRequest struct {
	City string `json:"city" query:"city" validate:"required,max=100"`
}

func (r *predictRequest) normalize() error {
	r.City = strings.TrimSpace(r.City)
	return validate.Struct(r)
}

func (h *handlers) predictBody(c *fiber.Ctx) error {
	var req predictRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "request body must be JSON with a city field")
	}
	return h.predict(c, req)
}

func (h *handlers) predictQuery(c *fiber.Ctx) error {
	req := predictRequest{City: c.Query("city")}
	return h.predict(c, req)
}

func (h *handlers) predict(c *fiber.Ctx, req predictRequest) error {
	if err := req.normalize(); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "city is required and must be at most 100 characters")
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	p, err := h.service.Predict(ctx, req.City)
	if err != nil {
		return fiber.NewError(statusFor(err), forecast.PublicMessage(err))
	}
	return c.JSON(p)
}

func (h *handlers) predictAll(c *fiber.Ctx) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	batch, err := h.service.PredictAll(ctx, h.opts.AggregateWorkers)
	if err != nil {
		return fiber.NewError(statusFor(err), forecast.PublicMessage(err))
	}
	return c.JSON(batch)
}

func (h *handlers) health(c *fiber.Ctx) error {
	health := h.service.Health()
	status := fiber.StatusOK
	if !health.Healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(health)
}

func (h *handlers) cities(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"cities": h.service.Cities()})
}

func (h *handlers) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	if h.opts.RequestTimeout > 0 {
		return context.WithTimeout(c.UserContext(), h.opts.RequestTimeout)
	}
	return context.WithCancel(c.UserContext())
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, forecast.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, forecast.ErrModelNotLoaded):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, forecast.ErrUpstreamUnavailable):
		return fiber.StatusBadGateway
	case errors.Is(err, forecast.ErrInsufficientHistory):
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}
