// Command ctfctl is an operator client for the ledger: it builds, signs and
// publishes commands.
package main

func main() {
	Execute()
}
