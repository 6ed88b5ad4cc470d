package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/dossier-executor/internal/api/handlers/dossier"
	"github.com/aliskhannn/dossier-executor/internal/api/handlers/files"
	"github.com/aliskhannn/dossier-executor/internal/middleware"
)

func Setup(dh *dossier.Handler, fh *files.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware())
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	api := r.Group("/api")
	api.Use(middleware.Profile())

	api.POST("/dossier/executions", dh.Submit)         // starting a dossier execution
	api.GET("/dossier/jobs/:id", dh.Get)               // getting job progress
	api.DELETE("/dossier/jobs/:id", dh.Delete)         // deleting a finished job
	api.GET("/dossier/jobs/:id/download", dh.Download) // downloading job images as zip

	api.GET("/resources/files", fh.List)                   // listing folder files
	api.DELETE("/resources/files", fh.Delete)              // deleting selected files
	api.POST("/resources/files/download", fh.Download)     // downloading selected files
	api.POST("/resources/files/upload", fh.Upload)         // uploading a file or archive
	api.GET("/resources/files/metadata", fh.GetMetadata)   // getting folder metadata
	api.POST("/resources/files/metadata", fh.SaveMetadata) // saving folder metadata

	return r
}
