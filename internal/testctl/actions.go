package testctl

// Indirection layer to allow stubbing in tests

var (
	fnInstallGo      = installGo
	fnInstallGoLlama = installGoLlama

	fnRunGoTests      = runGoTests
	fnRunGoLlamaTests = runGoLlamaTests
	fnRunSmoke        = runSmoke
	fnRunLive         = runLive

	fnHasHostModels = hasHostModels
)
