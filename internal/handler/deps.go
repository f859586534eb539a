package handler

import (
	"chatkat/internal/app/hub"
	"chatkat/internal/app/storage"
	"chatkat/internal/configs"
)

type AppDeps struct {
	Hub            *hub.Hub
	Config         *configs.AppConfig
	StorageService storage.Service
}
