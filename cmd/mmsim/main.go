// Command mmsim boots the memory manager on an emulated machine and drives
// demand paging workloads against it.
package main

func main() {
	execute()
}
