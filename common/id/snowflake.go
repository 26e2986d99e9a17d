package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init initializes the Snowflake node. Server and worker processes must use
// distinct node ids so ids never collide across instances.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New generates a time-ordered, globally unique int64 id. Used for sync-run
// audit rows and notification ids.
func New() int64 {
	return node.Generate().Int64()
}
