// This file collects package-level usage examples; see limiter.go for
// the package doc comment and the Limiter contract itself.
//
// # Quick start
//
//	cfg, err := quotaguard.NewConfig(quotaguard.AlgorithmTokenBucket, 10, 20)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	limiter, err := quotaguard.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if limiter.IsAllowed("user:123") {
//	    // proceed with the call
//	}
//
// # With file persistence
//
//	cfg, _ := quotaguard.NewConfig(quotaguard.AlgorithmTokenBucket, 10, 20,
//	    quotaguard.WithPersistence("/tmp/quotaguard-state.json"),
//	)
//	limiter, _ := quotaguard.New(cfg, nil)
//	defer limiter.Close(context.Background())
//
// # With a shared cache
//
//	cache := rediscache.New(redisClient)
//	limiter, _ := quotaguard.NewBuilder().
//	    SlidingWindow(50, 50).
//	    SharedCache(cache).
//	    Build()
//
// # Builder API
//
//	limiter, _ := quotaguard.NewBuilder().
//	    FixedWindow(100, 100).
//	    WindowSizeMs(60000).
//	    Build()

package quotaguard
