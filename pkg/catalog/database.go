package catalog

import (
	"context"

	"egress-runner/pkg/database"
	"egress-runner/pkg/models"
)

// DBCatalog loads proxies from the "proxies" table.
type DBCatalog struct {
	DB *database.DB
}

func (c *DBCatalog) Load(ctx context.Context) ([]models.ProxyRecord, error) {
	return c.DB.GetProxies(ctx)
}
