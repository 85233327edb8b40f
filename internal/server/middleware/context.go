package middleware

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rabbitmq/amqp091-go"

	"github.com/oriel-ai/trellis/pkg/engine"
)

// App bundles the shared dependencies handlers reach through the context.
type App struct {
	DBConn *pgxpool.Pool
	Queue  *amqp091.Channel
	Engine *engine.Engine
}

type AppContext struct {
	echo.Context
	App *App
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return next(&AppContext{
				Context: c,
				App:     app,
			})
		}
	}
}
