// Package main is the entry point for summeter, the usage-accounting and
// admission-control engine for metered summarization APIs.
package main

func main() {
	Execute()
}
