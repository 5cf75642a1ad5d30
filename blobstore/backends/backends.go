// Package backends imports all built-in blob stores for auto-registration.
package backends

import (
	// Import all blob stores for side-effect registration
	_ "github.com/drblury/rpcflow/blobstore/azure"
	_ "github.com/drblury/rpcflow/blobstore/memory"
	_ "github.com/drblury/rpcflow/blobstore/natsobj"
	_ "github.com/drblury/rpcflow/blobstore/redis"
	_ "github.com/drblury/rpcflow/blobstore/s3"
	_ "github.com/drblury/rpcflow/blobstore/sqlblob"
)
