package main

import "mia/internal/testctl"

func main() { testctl.Main() }
