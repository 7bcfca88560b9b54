package dedup

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"

	"bitbucket.org/mmdatafocus/kashflow_sync/config"
)

// Handler runs the dedup job from the dashboard. Defaults to dry-run so
// the action list can be reviewed before re-invoking with dryRun=false.
// Must not be called while a sync run is active; the caller's run gate is
// expected to enforce that.
func Handler(db *mongo.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := struct {
			DryRun *bool `json:"dryRun"`
		}{}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "dryRun must be a boolean"})
				return
			}
		}
		dryRun := true
		if body.DryRun != nil {
			dryRun = *body.DryRun
		}

		logger := config.GetLogger()
		result, err := Run(c.Request.Context(), NewMongoStore(db), Options{
			DryRun: dryRun,
			Log: func(line string) {
				logger.WithFields(logrus.Fields{"dryRun": dryRun}).Info(line)
			},
		})
		if err != nil {
			config.LogError(logger, "dedup", "Handler", "run dedup", gin.H{"dryRun": dryRun}, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
