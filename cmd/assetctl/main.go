// assetctl is the operator CLI for assetspace.
package main

func main() {
	execute()
}
