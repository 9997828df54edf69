package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// exactRouteLimit is the largest waypoint count solved exactly. Beyond it the
// route is built with a nearest-neighbour heuristic.
const exactRouteLimit = 10

type Leg struct {
	From            int     `json:"from"`
	To              int     `json:"to"`
	DistanceMeters  float64 `json:"distance_meters"`
	DurationMinutes int     `json:"duration_minutes"`
}

// Route is an ordering of waypoints. Order holds indexes into the input and
// always starts at 0; the path is open (no return to the start).
type Route struct {
	Order                []int   `json:"order"`
	TotalDistanceMeters  float64 `json:"total_distance_meters"`
	TotalDurationMinutes int     `json:"total_duration_minutes"`
	Legs                 []Leg   `json:"legs"`
}

// OptimalRoute orders waypoints to minimise total straight-line distance,
// keeping the first waypoint as the start. Up to exactRouteLimit waypoints are
// solved exactly (Held-Karp); larger inputs use greedy nearest neighbour,
// which is not guaranteed optimal.
func OptimalRoute(waypoints []models.Coordinate, mode Mode) Route {
	n := len(waypoints)
	if n == 0 {
		return Route{}
	}
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
		for j := range dist[i] {
			if i != j {
				dist[i][j] = Distance(waypoints[i], waypoints[j])
			}
		}
	}

	var order []int
	if n <= exactRouteLimit {
		order = heldKarp(dist)
	} else {
		order = nearestNeighbour(dist)
	}
	return buildRoute(order, dist, mode)
}

func buildRoute(order []int, dist [][]float64, mode Mode) Route {
	r := Route{Order: order, Legs: make([]Leg, 0, len(order))}
	for i := 1; i < len(order); i++ {
		from, to := order[i-1], order[i]
		d := dist[from][to]
		leg := Leg{From: from, To: to, DistanceMeters: d, DurationMinutes: minutesFor(d, mode)}
		r.Legs = append(r.Legs, leg)
		r.TotalDistanceMeters += d
		r.TotalDurationMinutes += leg.DurationMinutes
	}
	return r
}

// heldKarp solves the open-path TSP from node 0 with bitmask DP.
func heldKarp(dist [][]float64) []int {
	n := len(dist)
	if n <= 2 {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	m := n - 1 // nodes 1..n-1 are mapped to bits 0..m-1
	full := 1 << m
	cost := make([][]float64, full)
	parent := make([][]int, full)
	for mask := range cost {
		cost[mask] = make([]float64, m)
		parent[mask] = make([]int, m)
		for j := range cost[mask] {
			cost[mask][j] = math.Inf(1)
			parent[mask][j] = -1
		}
	}
	for j := 0; j < m; j++ {
		cost[1<<j][j] = dist[0][j+1]
	}
	for mask := 1; mask < full; mask++ {
		for j := 0; j < m; j++ {
			if mask&(1<<j) == 0 || math.IsInf(cost[mask][j], 1) {
				continue
			}
			for k := 0; k < m; k++ {
				if mask&(1<<k) != 0 {
					continue
				}
				next := mask | 1<<k
				c := cost[mask][j] + dist[j+1][k+1]
				if c < cost[next][k] {
					cost[next][k] = c
					parent[next][k] = j
				}
			}
		}
	}

	last, best := 0, math.Inf(1)
	for j := 0; j < m; j++ {
		if cost[full-1][j] < best {
			best, last = cost[full-1][j], j
		}
	}
	if math.IsInf(best, 1) {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	rev := make([]int, 0, n)
	mask := full - 1
	for j := last; j >= 0; {
		rev = append(rev, j+1)
		p := parent[mask][j]
		mask &^= 1 << j
		j = p
	}
	order := make([]int, 0, n)
	order = append(order, 0)
	for i := len(rev) - 1; i >= 0; i-- {
		order = append(order, rev[i])
	}
	return order
}

// nearestNeighbour repeatedly walks to the closest unvisited waypoint.
func nearestNeighbour(dist [][]float64) []int {
	n := len(dist)
	visited := make([]bool, n)
	order := make([]int, 0, n)
	cur := 0
	visited[0] = true
	order = append(order, 0)
	for len(order) < n {
		next, best := -1, math.Inf(1)
		for j := 0; j < n; j++ {
			if !visited[j] && dist[cur][j] < best {
				next, best = j, dist[cur][j]
			}
		}
		if next < 0 {
			for j := 0; j < n; j++ {
				if !visited[j] {
					next = j
					break
				}
			}
		}
		visited[next] = true
		order = append(order, next)
		cur = next
	}
	return order
}
